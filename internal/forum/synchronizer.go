package forum

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/massdialogue/massdialogue/internal/models"
)

const (
	postsTable    = "posts"
	commentsTable = "comments"

	pendingIDPrefix = "pending:"

	// How far apart an optimistic insert and its remote confirmation may be
	// created and still match when the submission key is missing.
	optimisticMatchWindow = 10 * time.Second
)

// Store is the row store surface the synchronizer needs.
type Store interface {
	ListPosts(ctx context.Context) ([]models.Post, error)
	ListComments(ctx context.Context, postID string) ([]models.Comment, error)
	InsertPost(ctx context.Context, row models.NewPostRow) (models.Post, error)
	InsertComment(ctx context.Context, row models.NewCommentRow) (models.Comment, error)
	UpdatePostUpvotes(ctx context.Context, id string, upvotes int) (models.Post, error)
}

// ImageStore uploads a post image and returns its public URL.
type ImageStore interface {
	Upload(ctx context.Context, blob []byte, ext string) (string, error)
}

// Subscription is a cancellable handle on one change-feed stream.
type Subscription interface {
	Events() <-chan models.ChangeEvent
	Cancel()
	Err() error
}

// SubscribeFunc opens a change-feed subscription for a table with an
// optional row filter such as "post_id=eq.42".
type SubscribeFunc func(ctx context.Context, table, filter string) (Subscription, error)

// Synchronizer owns the canonical in-memory post and comment collections and
// keeps them consistent with the remote store: full snapshot loads, row-level
// change-feed merges applied in arrival order, and optimistic local edits
// reconciled against their remote confirmations. All readers get immutable
// derived views, never references into the live mapping.
type Synchronizer struct {
	store  Store
	feed   SubscribeFunc
	images ImageStore
	ledger *VoteLedger

	mu       sync.Mutex
	posts    map[string]models.Post
	comments map[string][]models.Comment
	byRef    map[string]string // submission key -> post id
	local    map[string]uint64 // per-id local mutation version
	synced   map[string]uint64 // last version confirmed by the store
	sortKey  SortKey
	filter   string
	view     []models.Post

	expandMu sync.Mutex
	expanded map[string]Subscription

	subMu       sync.Mutex
	subscribers map[*ViewSubscription]struct{}
}

func NewSynchronizer(store Store, feed SubscribeFunc, images ImageStore) *Synchronizer {
	return &Synchronizer{
		store:       store,
		feed:        feed,
		images:      images,
		ledger:      NewVoteLedger(),
		posts:       make(map[string]models.Post),
		comments:    make(map[string][]models.Comment),
		byRef:       make(map[string]string),
		local:       make(map[string]uint64),
		synced:      make(map[string]uint64),
		expanded:    make(map[string]Subscription),
		sortKey:     SortByCreated,
		subscribers: make(map[*ViewSubscription]struct{}),
	}
}

// LoadPosts fetches a full snapshot and replaces the collection. On a fetch
// failure the previous in-memory snapshot is retained unchanged; unconfirmed
// optimistic entries survive a successful reload.
func (s *Synchronizer) LoadPosts(ctx context.Context) ([]models.Post, error) {
	fetched, err := s.store.ListPosts(ctx)
	if err != nil {
		slog.Warn("[Synchronizer] Snapshot fetch failed, keeping previous state",
			slog.String("error", err.Error()))
		return nil, err
	}

	s.mu.Lock()
	next := make(map[string]models.Post, len(fetched))
	for _, p := range fetched {
		if p.ClientRef != "" {
			if pendingID, ok := s.byRef[p.ClientRef]; ok && pendingID != p.ID {
				delete(s.local, pendingID)
				delete(s.synced, pendingID)
			}
			s.byRef[p.ClientRef] = p.ID
		}
		// A fetched row may predate an unsynced local edit for the same id;
		// keep the held row until the store confirms that edit.
		if held, ok := s.posts[p.ID]; ok && s.local[p.ID] > s.synced[p.ID] {
			next[p.ID] = held
			continue
		}
		next[p.ID] = p
		if s.local[p.ID] == s.synced[p.ID] {
			delete(s.local, p.ID)
			delete(s.synced, p.ID)
		}
	}
	// Carry over optimistic entries the store has not confirmed yet.
	for id, p := range s.posts {
		if strings.HasPrefix(id, pendingIDPrefix) && s.byRef[p.ClientRef] == id {
			next[id] = p
		}
	}
	s.posts = next
	s.rebuildLocked()
	view := s.view
	s.mu.Unlock()

	s.notify()
	slog.Info("[Synchronizer] Snapshot loaded", slog.Int("posts", len(fetched)))
	return view, nil
}

// Run subscribes to the post change feed and applies events in arrival order
// until ctx is cancelled or the feed drops. Must be called at most once.
func (s *Synchronizer) Run(ctx context.Context) error {
	sub, err := s.feed(ctx, postsTable, "")
	if err != nil {
		return err
	}
	defer sub.Cancel()
	defer s.collapseAll()

	if _, err := s.LoadPosts(ctx); err != nil {
		slog.Warn("[Synchronizer] Initial snapshot failed, starting empty",
			slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			s.applyPostEvent(ctx, ev)
		}
	}
}

// SubmitPost validates and submits a new post. An image, when present, is
// uploaded first; an upload failure aborts the whole submission. The post is
// made visible by optimistic prepend and replaced in place by its remote
// confirmation, never duplicated.
func (s *Synchronizer) SubmitPost(ctx context.Context, body string, image []byte, imageExt string) (models.Post, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.Post{}, &ValidationError{Field: "body", Reason: "must not be blank"}
	}

	var imageURL *string
	if len(image) > 0 {
		if s.images == nil {
			return models.Post{}, &ValidationError{Field: "image", Reason: "no image store configured"}
		}
		url, err := s.images.Upload(ctx, image, imageExt)
		if err != nil {
			return models.Post{}, err
		}
		imageURL = &url
	}

	ref := uuid.NewString()
	pendingID := pendingIDPrefix + ref
	optimistic := models.Post{
		ID:        pendingID,
		Body:      body,
		ImageURL:  imageURL,
		Upvotes:   0,
		CreatedAt: time.Now().UTC(),
		ClientRef: ref,
	}

	s.mu.Lock()
	s.posts[pendingID] = optimistic
	s.byRef[ref] = pendingID
	s.local[pendingID] = 1
	s.rebuildLocked()
	s.mu.Unlock()
	s.notify()

	stored, err := s.store.InsertPost(ctx, models.NewPostRow{
		Body:      body,
		ImageURL:  imageURL,
		Upvotes:   0,
		ClientRef: ref,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.posts, pendingID)
		delete(s.local, pendingID)
		delete(s.synced, pendingID)
		delete(s.byRef, ref)
		s.rebuildLocked()
		s.mu.Unlock()
		s.notify()
		return models.Post{}, err
	}

	s.mu.Lock()
	s.confirmInsertLocked(pendingID, ref, stored)
	s.mu.Unlock()
	s.notify()

	slog.Info("[Synchronizer] Post submitted", slog.String("post_id", stored.ID))
	return stored, nil
}

// Vote applies a one-shot upvote: the ledger claim happens before the
// counter is read, so a racing second vote for the same post is rejected
// outright instead of computing from a stale counter. A failed store write
// reverts the optimistic bump and releases the claim for retry.
func (s *Synchronizer) Vote(ctx context.Context, postID string) (models.Post, error) {
	if !s.ledger.Claim(postID) {
		return models.Post{}, ErrAlreadyVoted
	}

	s.mu.Lock()
	current, ok := s.posts[postID]
	if !ok {
		s.mu.Unlock()
		s.ledger.Release(postID)
		return models.Post{}, ErrPostNotFound
	}
	next := current.Upvotes + 1
	bumped := current
	bumped.Upvotes = next
	s.posts[postID] = bumped
	s.local[postID]++
	s.rebuildLocked()
	s.mu.Unlock()
	s.notify()

	stored, err := s.store.UpdatePostUpvotes(ctx, postID, next)
	if err != nil {
		s.mu.Lock()
		if cur, held := s.posts[postID]; held && cur.Upvotes == next {
			cur.Upvotes = current.Upvotes
			s.posts[postID] = cur
		}
		s.synced[postID] = s.local[postID] // abandoned edit, feed merges may resume
		s.rebuildLocked()
		s.mu.Unlock()
		s.notify()
		s.ledger.Release(postID)
		return models.Post{}, err
	}

	s.mu.Lock()
	s.posts[postID] = stored
	s.synced[postID] = s.local[postID]
	s.rebuildLocked()
	s.mu.Unlock()
	s.notify()
	return stored, nil
}

// AddComment validates and inserts a comment, then refreshes that post's
// comment panel if it is expanded.
func (s *Synchronizer) AddComment(ctx context.Context, postID, body string) (models.Comment, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.Comment{}, &ValidationError{Field: "body", Reason: "must not be blank"}
	}

	stored, err := s.store.InsertComment(ctx, models.NewCommentRow{PostID: postID, Body: body})
	if err != nil {
		return models.Comment{}, err
	}

	if s.isExpanded(postID) {
		if fresh, err := s.store.ListComments(ctx, postID); err != nil {
			slog.Warn("[Synchronizer] Comment panel refresh failed, keeping stale panel",
				slog.String("post_id", postID),
				slog.String("error", err.Error()))
		} else {
			s.setComments(postID, fresh)
		}
	} else {
		s.mergeComment(stored)
	}
	return stored, nil
}

// ExpandComments lazily fetches a post's comments the first time its panel
// opens and subscribes to that post's comment feed. Collapse cancels the
// subscription.
func (s *Synchronizer) ExpandComments(ctx context.Context, postID string) ([]models.Comment, error) {
	if s.isExpanded(postID) {
		return s.Comments(postID), nil
	}

	comments, err := s.store.ListComments(ctx, postID)
	if err != nil {
		return nil, err
	}
	s.setComments(postID, comments)

	sub, err := s.feed(ctx, commentsTable, "post_id=eq."+postID)
	if err != nil {
		return nil, err
	}

	s.expandMu.Lock()
	if _, raced := s.expanded[postID]; raced {
		s.expandMu.Unlock()
		sub.Cancel()
		return s.Comments(postID), nil
	}
	s.expanded[postID] = sub
	s.expandMu.Unlock()

	go s.consumeCommentEvents(postID, sub)
	return s.Comments(postID), nil
}

// CollapseComments tears down a post's comment subscription.
func (s *Synchronizer) CollapseComments(postID string) {
	s.expandMu.Lock()
	sub, ok := s.expanded[postID]
	if ok {
		delete(s.expanded, postID)
	}
	s.expandMu.Unlock()
	if ok {
		sub.Cancel()
	}
}

// Comments returns an immutable copy of a post's comment panel, ordered by
// creation time ascending.
func (s *Synchronizer) Comments(postID string) []models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	panel := s.comments[postID]
	out := make([]models.Comment, len(panel))
	copy(out, panel)
	return out
}

// Snapshot returns the current derived view. The slice is rebuilt on every
// mutation and never written again, so callers may hold it freely.
func (s *Synchronizer) Snapshot() []models.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *Synchronizer) SetSortKey(key SortKey) {
	s.mu.Lock()
	s.sortKey = key
	s.rebuildLocked()
	s.mu.Unlock()
	s.notify()
}

func (s *Synchronizer) SetFilter(filter string) {
	s.mu.Lock()
	s.filter = filter
	s.rebuildLocked()
	s.mu.Unlock()
	s.notify()
}

func (s *Synchronizer) HasVoted(postID string) bool {
	return s.ledger.Contains(postID)
}

// ViewSubscription delivers fresh immutable views to one observer. The
// channel holds only the latest view; stale intermediate views are dropped.
type ViewSubscription struct {
	C    chan []models.Post
	s    *Synchronizer
	once sync.Once
}

func (s *Synchronizer) SubscribeViews() *ViewSubscription {
	sub := &ViewSubscription{C: make(chan []models.Post, 1), s: s}
	s.subMu.Lock()
	// Register before seeding, all under subMu: a racing notify either runs
	// after us and sees the subscriber, or waits until the seed is in place.
	s.subscribers[sub] = struct{}{}
	sub.C <- s.Snapshot()
	s.subMu.Unlock()
	return sub
}

// Cancel detaches the observer and closes its channel. Safe to call more
// than once; view teardown must call it.
func (v *ViewSubscription) Cancel() {
	v.once.Do(func() {
		v.s.subMu.Lock()
		delete(v.s.subscribers, v)
		v.s.subMu.Unlock()
		close(v.C)
	})
}

func (s *Synchronizer) notify() {
	view := s.Snapshot()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subscribers {
		select {
		case <-sub.C:
		default:
		}
		select {
		case sub.C <- view:
		default:
		}
	}
}

func (s *Synchronizer) applyPostEvent(ctx context.Context, ev models.ChangeEvent) {
	switch ev.Type {
	case models.ChangeInsert, models.ChangeUpdate:
		var p models.Post
		if err := json.Unmarshal(ev.Record, &p); err != nil {
			slog.Warn("[Synchronizer] Dropping malformed feed row", slog.String("error", err.Error()))
			return
		}
		s.mergeRemotePost(p, ev.Type)
	case models.ChangeDelete:
		var p models.Post
		if err := json.Unmarshal(ev.OldRecord, &p); err != nil || p.ID == "" {
			return
		}
		s.mu.Lock()
		delete(s.posts, p.ID)
		delete(s.local, p.ID)
		delete(s.synced, p.ID)
		s.rebuildLocked()
		s.mu.Unlock()
		s.notify()
	case models.ChangeWildcard:
		// Coarse notification with no row attached: re-fetch everything.
		if _, err := s.LoadPosts(ctx); err != nil {
			slog.Warn("[Synchronizer] Re-fetch after coarse event failed",
				slog.String("error", err.Error()))
		}
	}
}

// mergeRemotePost folds one feed row into the collection. An optimistic
// local insert matched by submission key (or, failing that, by identical
// body inside the arrival window) is replaced in place, never duplicated.
// Rows staler than an unconfirmed local edit for the same id are rejected.
func (s *Synchronizer) mergeRemotePost(p models.Post, kind models.ChangeEventType) {
	s.mu.Lock()

	if p.ClientRef != "" {
		if heldID, ok := s.byRef[p.ClientRef]; ok && heldID != p.ID {
			delete(s.posts, heldID)
			delete(s.local, heldID)
			delete(s.synced, heldID)
		}
		s.byRef[p.ClientRef] = p.ID
	} else if kind == models.ChangeInsert {
		for id, existing := range s.posts {
			if !strings.HasPrefix(id, pendingIDPrefix) {
				continue
			}
			if existing.Body == p.Body && absDuration(existing.CreatedAt.Sub(p.CreatedAt)) <= optimisticMatchWindow {
				delete(s.posts, id)
				delete(s.local, id)
				delete(s.synced, id)
				delete(s.byRef, existing.ClientRef)
				break
			}
		}
	}

	if s.local[p.ID] > s.synced[p.ID] {
		s.mu.Unlock()
		slog.Warn("[Synchronizer] Rejecting stale remote merge",
			slog.String("post_id", p.ID),
			slog.String("event", string(kind)))
		return
	}

	s.posts[p.ID] = p
	s.rebuildLocked()
	s.mu.Unlock()
	s.notify()
}

func (s *Synchronizer) confirmInsertLocked(pendingID, ref string, stored models.Post) {
	if _, ok := s.posts[pendingID]; ok {
		delete(s.posts, pendingID)
	}
	delete(s.local, pendingID)
	delete(s.synced, pendingID)
	s.posts[stored.ID] = stored
	s.byRef[ref] = stored.ID
	s.synced[stored.ID] = s.local[stored.ID]
	s.rebuildLocked()
}

func (s *Synchronizer) consumeCommentEvents(postID string, sub Subscription) {
	for ev := range sub.Events() {
		switch ev.Type {
		case models.ChangeInsert, models.ChangeUpdate:
			var c models.Comment
			if err := json.Unmarshal(ev.Record, &c); err != nil {
				continue
			}
			s.mergeComment(c)
		case models.ChangeDelete:
			var c models.Comment
			if err := json.Unmarshal(ev.OldRecord, &c); err != nil || c.ID == "" {
				continue
			}
			s.removeComment(postID, c.ID)
		}
	}
	if err := sub.Err(); err != nil {
		slog.Warn("[Synchronizer] Comment feed dropped",
			slog.String("post_id", postID),
			slog.String("error", err.Error()))
	}
}

func (s *Synchronizer) mergeComment(c models.Comment) {
	s.mu.Lock()
	panel := s.comments[c.PostID]
	replaced := false
	for i := range panel {
		if panel[i].ID == c.ID {
			panel[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		panel = append(panel, c)
	}
	sort.SliceStable(panel, func(i, j int) bool {
		return panel[i].CreatedAt.Before(panel[j].CreatedAt)
	})
	s.comments[c.PostID] = panel
	s.mu.Unlock()
	s.notify()
}

func (s *Synchronizer) removeComment(postID, commentID string) {
	s.mu.Lock()
	panel := s.comments[postID]
	for i := range panel {
		if panel[i].ID == commentID {
			s.comments[postID] = append(panel[:i:i], panel[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Synchronizer) setComments(postID string, comments []models.Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
	s.mu.Lock()
	s.comments[postID] = comments
	s.mu.Unlock()
	s.notify()
}

func (s *Synchronizer) isExpanded(postID string) bool {
	s.expandMu.Lock()
	defer s.expandMu.Unlock()
	_, ok := s.expanded[postID]
	return ok
}

func (s *Synchronizer) collapseAll() {
	s.expandMu.Lock()
	subs := make([]Subscription, 0, len(s.expanded))
	for _, sub := range s.expanded {
		subs = append(subs, sub)
	}
	s.expanded = make(map[string]Subscription)
	s.expandMu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

// rebuildLocked recomputes the derived view copy-on-write. Callers hold mu.
func (s *Synchronizer) rebuildLocked() {
	s.view = buildView(s.posts, s.sortKey, s.filter)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

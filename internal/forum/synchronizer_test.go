package forum

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massdialogue/massdialogue/internal/clients"
	"github.com/massdialogue/massdialogue/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	posts    []models.Post
	comments map[string][]models.Comment
	nextID   int

	failList   bool
	failInsert bool
	failUpdate bool

	listCalls   int
	insertCalls int
	updateCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{comments: make(map[string][]models.Comment)}
}

func (f *fakeStore) ListPosts(ctx context.Context) ([]models.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.failList {
		return nil, &clients.FetchError{Op: "list posts", Err: errors.New("store down")}
	}
	out := make([]models.Post, len(f.posts))
	copy(out, f.posts)
	return out, nil
}

func (f *fakeStore) ListComments(ctx context.Context, postID string) ([]models.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Comment, len(f.comments[postID]))
	copy(out, f.comments[postID])
	return out, nil
}

func (f *fakeStore) InsertPost(ctx context.Context, row models.NewPostRow) (models.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if f.failInsert {
		return models.Post{}, &clients.WriteError{Op: "insert post", Err: errors.New("store down")}
	}
	f.nextID++
	p := models.Post{
		ID:        fmt.Sprintf("p%d", f.nextID),
		Body:      row.Body,
		ImageURL:  row.ImageURL,
		Upvotes:   row.Upvotes,
		CreatedAt: time.Now().UTC(),
		ClientRef: row.ClientRef,
	}
	f.posts = append(f.posts, p)
	return p, nil
}

func (f *fakeStore) InsertComment(ctx context.Context, row models.NewCommentRow) (models.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c := models.Comment{
		ID:        fmt.Sprintf("c%d", f.nextID),
		PostID:    row.PostID,
		Body:      row.Body,
		CreatedAt: time.Now().UTC(),
	}
	f.comments[row.PostID] = append(f.comments[row.PostID], c)
	return c, nil
}

func (f *fakeStore) UpdatePostUpvotes(ctx context.Context, id string, upvotes int) (models.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.failUpdate {
		return models.Post{}, &clients.WriteError{Op: "update upvotes", Err: errors.New("store down")}
	}
	for i := range f.posts {
		if f.posts[i].ID == id {
			f.posts[i].Upvotes = upvotes
			return f.posts[i], nil
		}
	}
	return models.Post{}, &clients.WriteError{Op: "update upvotes", Err: errors.New("no such row")}
}

func (f *fakeStore) storedUpvotes(t *testing.T, id string) int {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.posts {
		if p.ID == id {
			return p.Upvotes
		}
	}
	t.Fatalf("post %s not in fake store", id)
	return 0
}

type fakeSub struct {
	events chan models.ChangeEvent
	once   sync.Once
	err    error
}

func newFakeSub() *fakeSub {
	return &fakeSub{events: make(chan models.ChangeEvent, 16)}
}

func (f *fakeSub) Events() <-chan models.ChangeEvent { return f.events }
func (f *fakeSub) Err() error                        { return f.err }
func (f *fakeSub) Cancel()                           { f.once.Do(func() { close(f.events) }) }

func fakeFeed(sub *fakeSub) SubscribeFunc {
	return func(ctx context.Context, table, filter string) (Subscription, error) {
		return sub, nil
	}
}

type fakeImages struct {
	fail  bool
	calls int
}

func (f *fakeImages) Upload(ctx context.Context, blob []byte, ext string) (string, error) {
	f.calls++
	if f.fail {
		return "", &clients.UploadError{Key: "x" + ext, Err: errors.New("bucket down")}
	}
	return "https://img.example.com/x" + ext, nil
}

func TestSynchronizer_SubmitPost(t *testing.T) {
	ctx := context.Background()

	t.Run("SubmitThenLoadYieldsExactlyOneEntry", func(t *testing.T) {
		store := newFakeStore()
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), nil)

		posted, err := s.SubmitPost(ctx, "  hello forum  ", nil, "")
		require.NoError(t, err)
		assert.Equal(t, "hello forum", posted.Body)
		assert.Equal(t, 0, posted.Upvotes)

		view, err := s.LoadPosts(ctx)
		require.NoError(t, err)
		matches := 0
		for _, p := range view {
			if p.Body == "hello forum" {
				matches++
				assert.Equal(t, 0, p.Upvotes)
			}
		}
		assert.Equal(t, 1, matches)
	})

	t.Run("BlankBodyRejectedBeforeIO", func(t *testing.T) {
		store := newFakeStore()
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), nil)

		_, err := s.SubmitPost(ctx, "   \n\t ", nil, "")
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, 0, store.insertCalls)
		assert.Empty(t, s.Snapshot())
	})

	t.Run("UploadFailureAbortsSubmission", func(t *testing.T) {
		store := newFakeStore()
		images := &fakeImages{fail: true}
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), images)

		_, err := s.SubmitPost(ctx, "with picture", []byte{0x89, 0x50}, ".png")
		var upErr *clients.UploadError
		require.ErrorAs(t, err, &upErr)
		assert.Equal(t, 0, store.insertCalls)
		assert.Empty(t, s.Snapshot())
	})

	t.Run("InsertFailureRemovesOptimisticEntry", func(t *testing.T) {
		store := newFakeStore()
		store.failInsert = true
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), nil)

		_, err := s.SubmitPost(ctx, "doomed", nil, "")
		var wErr *clients.WriteError
		require.ErrorAs(t, err, &wErr)
		assert.Empty(t, s.Snapshot())
	})

	t.Run("ImageWithoutImageStoreRejected", func(t *testing.T) {
		store := newFakeStore()
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), nil)

		_, err := s.SubmitPost(ctx, "with picture", []byte{0x89, 0x50}, ".png")
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "image", vErr.Field)
		assert.Equal(t, 0, store.insertCalls)
		assert.Empty(t, s.Snapshot())
	})

	t.Run("ImageURLAttached", func(t *testing.T) {
		store := newFakeStore()
		images := &fakeImages{}
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), images)

		posted, err := s.SubmitPost(ctx, "look at this", []byte{0x89}, ".png")
		require.NoError(t, err)
		require.NotNil(t, posted.ImageURL)
		assert.Equal(t, "https://img.example.com/x.png", *posted.ImageURL)
		assert.Equal(t, 1, images.calls)
	})
}

func TestSynchronizer_Vote(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, store *fakeStore) *Synchronizer {
		t.Helper()
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), nil)
		_, err := s.SubmitPost(ctx, "vote on me", nil, "")
		require.NoError(t, err)
		return s
	}

	t.Run("SecondVoteRejectedCounterUnchanged", func(t *testing.T) {
		store := newFakeStore()
		s := seed(t, store)
		id := s.Snapshot()[0].ID

		updated, err := s.Vote(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, updated.Upvotes)

		_, err = s.Vote(ctx, id)
		assert.ErrorIs(t, err, ErrAlreadyVoted)
		assert.Equal(t, 1, store.storedUpvotes(t, id))
		assert.Equal(t, 1, store.updateCalls)
	})

	t.Run("TwoRapidVotesIncrementExactlyOnce", func(t *testing.T) {
		store := newFakeStore()
		s := seed(t, store)
		id := s.Snapshot()[0].ID

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = s.Vote(ctx, id)
			}(i)
		}
		wg.Wait()

		rejected := 0
		for _, err := range errs {
			if errors.Is(err, ErrAlreadyVoted) {
				rejected++
			}
		}
		assert.Equal(t, 1, rejected)
		assert.Equal(t, 1, store.storedUpvotes(t, id))
	})

	t.Run("WriteFailureRevertsAndReleasesClaim", func(t *testing.T) {
		store := newFakeStore()
		s := seed(t, store)
		id := s.Snapshot()[0].ID

		store.failUpdate = true
		_, err := s.Vote(ctx, id)
		var wErr *clients.WriteError
		require.ErrorAs(t, err, &wErr)
		assert.False(t, s.HasVoted(id))
		assert.Equal(t, 0, s.Snapshot()[0].Upvotes)

		store.failUpdate = false
		updated, err := s.Vote(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, updated.Upvotes)
	})

	t.Run("UnknownPostRejected", func(t *testing.T) {
		store := newFakeStore()
		s := seed(t, store)

		_, err := s.Vote(ctx, "nope")
		assert.ErrorIs(t, err, ErrPostNotFound)
		assert.False(t, s.HasVoted("nope"))
	})
}

func TestSynchronizer_LoadPosts(t *testing.T) {
	ctx := context.Background()

	t.Run("FetchFailureKeepsPreviousSnapshot", func(t *testing.T) {
		store := newFakeStore()
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), nil)
		_, err := s.SubmitPost(ctx, "first", nil, "")
		require.NoError(t, err)
		_, err = s.SubmitPost(ctx, "second", nil, "")
		require.NoError(t, err)

		store.failList = true
		_, err = s.LoadPosts(ctx)
		var fErr *clients.FetchError
		require.ErrorAs(t, err, &fErr)
		assert.Len(t, s.Snapshot(), 2)
	})

	t.Run("ReloadDuringVoteKeepsUnsyncedBump", func(t *testing.T) {
		store := &blockingVoteStore{updateStarted: make(chan struct{}), updateRelease: make(chan struct{})}
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), nil)
		posted, err := s.SubmitPost(ctx, "bump me", nil, "")
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			_, err := s.Vote(ctx, posted.ID)
			done <- err
		}()
		<-store.updateStarted
		require.Equal(t, 1, s.Snapshot()[0].Upvotes)

		// The store still serves upvotes=0 while the vote write is in flight;
		// the reload must not clobber the unsynced optimistic bump.
		_, err = s.LoadPosts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, s.Snapshot()[0].Upvotes)

		close(store.updateRelease)
		require.NoError(t, <-done)
		assert.Equal(t, 1, s.Snapshot()[0].Upvotes)
		assert.Equal(t, 1, store.storedUpvotes(t, posted.ID))
	})

	t.Run("ReloadDropsRowsGoneRemotely", func(t *testing.T) {
		store := newFakeStore()
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), nil)
		_, err := s.SubmitPost(ctx, "keep", nil, "")
		require.NoError(t, err)

		store.mu.Lock()
		store.posts = nil
		store.mu.Unlock()

		view, err := s.LoadPosts(ctx)
		require.NoError(t, err)
		assert.Empty(t, view)
	})
}

func TestSynchronizer_Reconciliation(t *testing.T) {
	ctx := context.Background()

	t.Run("FeedConfirmationDoesNotDuplicateConfirmedInsert", func(t *testing.T) {
		store := newFakeStore()
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), nil)

		posted, err := s.SubmitPost(ctx, "echoed", nil, "")
		require.NoError(t, err)

		s.mergeRemotePost(posted, models.ChangeInsert)
		assert.Len(t, s.Snapshot(), 1)
		assert.Equal(t, posted.ID, s.Snapshot()[0].ID)
	})

	t.Run("FeedInsertReplacesPendingOptimisticEntry", func(t *testing.T) {
		store := &blockingStore{insertStarted: make(chan struct{}), insertRelease: make(chan struct{})}
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), nil)

		done := make(chan error, 1)
		go func() {
			_, err := s.SubmitPost(ctx, "raced", nil, "")
			done <- err
		}()

		<-store.insertStarted
		require.Len(t, s.Snapshot(), 1)

		// Remote confirmation lands before our own insert response, with no
		// submission key echoed back; the body+window match applies.
		s.mergeRemotePost(models.Post{
			ID:        "p9",
			Body:      "raced",
			CreatedAt: time.Now().UTC(),
		}, models.ChangeInsert)
		require.Len(t, s.Snapshot(), 1)
		assert.Equal(t, "p9", s.Snapshot()[0].ID)

		close(store.insertRelease)
		require.NoError(t, <-done)
		assert.Len(t, s.Snapshot(), 1)
		assert.Equal(t, "p9", s.Snapshot()[0].ID)
	})

	t.Run("StaleRemoteMergeRejected", func(t *testing.T) {
		store := newFakeStore()
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), nil)
		posted, err := s.SubmitPost(ctx, "versioned", nil, "")
		require.NoError(t, err)

		s.mu.Lock()
		s.local[posted.ID] = 2
		s.synced[posted.ID] = 1
		s.mu.Unlock()

		stale := posted
		stale.Upvotes = 99
		s.mergeRemotePost(stale, models.ChangeUpdate)
		assert.Equal(t, 0, s.Snapshot()[0].Upvotes)
	})

	t.Run("EventsAppliedThroughRun", func(t *testing.T) {
		store := newFakeStore()
		sub := newFakeSub()
		s := NewSynchronizer(store, fakeFeed(sub), nil)

		runCtx, cancel := context.WithCancel(ctx)
		runDone := make(chan error, 1)
		go func() { runDone <- s.Run(runCtx) }()

		sub.events <- models.ChangeEvent{
			Type:   models.ChangeInsert,
			Table:  "posts",
			Record: []byte(`{"id":"p1","body":"from the feed","upvotes":3,"created_at":"2026-08-30T12:00:00Z"}`),
		}
		require.Eventually(t, func() bool {
			view := s.Snapshot()
			return len(view) == 1 && view[0].Body == "from the feed"
		}, time.Second, 5*time.Millisecond)

		sub.events <- models.ChangeEvent{
			Type:      models.ChangeDelete,
			Table:     "posts",
			OldRecord: []byte(`{"id":"p1"}`),
		}
		require.Eventually(t, func() bool {
			return len(s.Snapshot()) == 0
		}, time.Second, 5*time.Millisecond)

		cancel()
		require.NoError(t, <-runDone)
	})
}

type blockingVoteStore struct {
	fakeStore
	updateStarted chan struct{}
	updateRelease chan struct{}
	startOnce     sync.Once
}

func (b *blockingVoteStore) UpdatePostUpvotes(ctx context.Context, id string, upvotes int) (models.Post, error) {
	b.startOnce.Do(func() { close(b.updateStarted) })
	<-b.updateRelease
	return b.fakeStore.UpdatePostUpvotes(ctx, id, upvotes)
}

type blockingStore struct {
	fakeStore
	insertStarted chan struct{}
	insertRelease chan struct{}
	startOnce     sync.Once
}

func (b *blockingStore) InsertPost(ctx context.Context, row models.NewPostRow) (models.Post, error) {
	b.startOnce.Do(func() { close(b.insertStarted) })
	<-b.insertRelease
	p := models.Post{
		ID:        "p9",
		Body:      row.Body,
		ImageURL:  row.ImageURL,
		CreatedAt: time.Now().UTC(),
		ClientRef: row.ClientRef,
	}
	b.mu.Lock()
	b.posts = append(b.posts, p)
	b.mu.Unlock()
	return p, nil
}

func TestSynchronizer_Comments(t *testing.T) {
	ctx := context.Background()

	t.Run("BlankCommentRejectedBeforeIO", func(t *testing.T) {
		store := newFakeStore()
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), nil)

		_, err := s.AddComment(ctx, "p1", "   ")
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
	})

	t.Run("ExpandFetchesLazilyAndRefreshOnAdd", func(t *testing.T) {
		store := newFakeStore()
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), nil)
		posted, err := s.SubmitPost(ctx, "discuss", nil, "")
		require.NoError(t, err)

		comments, err := s.ExpandComments(ctx, posted.ID)
		require.NoError(t, err)
		assert.Empty(t, comments)

		added, err := s.AddComment(ctx, posted.ID, "first!")
		require.NoError(t, err)

		panel := s.Comments(posted.ID)
		require.Len(t, panel, 1)
		assert.Equal(t, added.ID, panel[0].ID)

		s.CollapseComments(posted.ID)
	})

	t.Run("FeedEventsKeepPanelOrdered", func(t *testing.T) {
		store := newFakeStore()
		sub := newFakeSub()
		s := NewSynchronizer(store, fakeFeed(sub), nil)
		posted, err := s.SubmitPost(ctx, "discuss", nil, "")
		require.NoError(t, err)

		_, err = s.ExpandComments(ctx, posted.ID)
		require.NoError(t, err)

		later := fmt.Sprintf(`{"id":"c2","post_id":%q,"body":"later","created_at":"2026-08-30T12:05:00Z"}`, posted.ID)
		earlier := fmt.Sprintf(`{"id":"c1","post_id":%q,"body":"earlier","created_at":"2026-08-30T12:00:00Z"}`, posted.ID)
		sub.events <- models.ChangeEvent{Type: models.ChangeInsert, Table: "comments", Record: []byte(later)}
		sub.events <- models.ChangeEvent{Type: models.ChangeInsert, Table: "comments", Record: []byte(earlier)}

		require.Eventually(t, func() bool {
			return len(s.Comments(posted.ID)) == 2
		}, time.Second, 5*time.Millisecond)

		panel := s.Comments(posted.ID)
		assert.Equal(t, "earlier", panel[0].Body)
		assert.Equal(t, "later", panel[1].Body)

		s.CollapseComments(posted.ID)
	})
}

func TestSynchronizer_ViewSubscriptions(t *testing.T) {
	ctx := context.Background()

	t.Run("DeliversCurrentViewThenUpdates", func(t *testing.T) {
		store := newFakeStore()
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), nil)

		sub := s.SubscribeViews()
		initial := <-sub.C
		assert.Empty(t, initial)

		_, err := s.SubmitPost(ctx, "notify me", nil, "")
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			select {
			case view := <-sub.C:
				return len(view) == 1
			default:
				return false
			}
		}, time.Second, 5*time.Millisecond)

		sub.Cancel()
		_, open := <-sub.C
		assert.False(t, open)
	})

	t.Run("SubmissionRacingSubscribeIsObserved", func(t *testing.T) {
		store := newFakeStore()
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), nil)

		for i := 0; i < 25; i++ {
			var wg sync.WaitGroup
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.SubmitPost(ctx, fmt.Sprintf("post %d", i), nil, "")
				assert.NoError(t, err)
			}(i)
			sub := s.SubscribeViews()
			wg.Wait()

			// Whichever way the race resolved, the latest view in the channel
			// must include the submission that landed around registration.
			want := i + 1
			require.Eventually(t, func() bool {
				select {
				case view := <-sub.C:
					return len(view) == want
				default:
					return false
				}
			}, time.Second, time.Millisecond)
			sub.Cancel()
		}
	})

	t.Run("CancelIsIdempotentAndStopsDelivery", func(t *testing.T) {
		store := newFakeStore()
		s := NewSynchronizer(store, fakeFeed(newFakeSub()), nil)

		sub := s.SubscribeViews()
		sub.Cancel()
		sub.Cancel()

		_, err := s.SubmitPost(ctx, "after cancel", nil, "")
		require.NoError(t, err)
	})
}

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/massdialogue/massdialogue/internal/models"
)

const (
	POSTS_TABLE    = "posts"
	COMMENTS_TABLE = "comments"

	restPathPrefix = "/rest/v1/"
)

var (
	storeInstance *StoreClient
	storeOnce     sync.Once
)

// StoreClient talks to the external row store over its REST surface:
// ordered/filtered selects, inserts returning the stored representation,
// and updates by id.
type StoreClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func GetStoreClient() *StoreClient {
	storeOnce.Do(func() {
		baseURL := os.Getenv("STORE_URL")
		apiKey := os.Getenv("STORE_API_KEY")
		if baseURL == "" || apiKey == "" {
			slog.Error("[StoreClient] Missing STORE_URL or STORE_API_KEY in environment variables")
			panic("[StoreClient] Missing STORE_URL or STORE_API_KEY in environment variables")
		}
		storeInstance = NewStoreClient(baseURL, apiKey, &http.Client{Timeout: REQUEST_TIMEOUT})
		slog.Info("[StoreClient] Store client initialized", slog.String("base_url", baseURL))
	})
	return storeInstance
}

func NewStoreClient(baseURL, apiKey string, httpClient *http.Client) *StoreClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: REQUEST_TIMEOUT}
	}
	return &StoreClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  httpClient,
	}
}

// ListPosts fetches the full post snapshot, newest first.
func (s *StoreClient) ListPosts(ctx context.Context) ([]models.Post, error) {
	query := url.Values{}
	query.Set("select", "*")
	query.Set("order", "created_at.desc")

	var posts []models.Post
	if err := s.do(ctx, http.MethodGet, POSTS_TABLE, query, nil, &posts); err != nil {
		slog.Error("[StoreClient] Failed to list posts", slog.String("error", err.Error()))
		return nil, &FetchError{Op: "list posts", Err: err}
	}
	return posts, nil
}

// ListComments fetches one post's comments, oldest first.
func (s *StoreClient) ListComments(ctx context.Context, postID string) ([]models.Comment, error) {
	query := url.Values{}
	query.Set("select", "*")
	query.Set("post_id", "eq."+postID)
	query.Set("order", "created_at.asc")

	var comments []models.Comment
	if err := s.do(ctx, http.MethodGet, COMMENTS_TABLE, query, nil, &comments); err != nil {
		slog.Error("[StoreClient] Failed to list comments",
			slog.String("post_id", postID),
			slog.String("error", err.Error()))
		return nil, &FetchError{Op: "list comments post_id=" + postID, Err: err}
	}
	return comments, nil
}

func (s *StoreClient) InsertPost(ctx context.Context, row models.NewPostRow) (models.Post, error) {
	var post models.Post
	if err := s.insert(ctx, POSTS_TABLE, row, &post); err != nil {
		slog.Error("[StoreClient] Failed to insert post", slog.String("error", err.Error()))
		return models.Post{}, &WriteError{Op: "insert post", Err: err}
	}
	return post, nil
}

func (s *StoreClient) InsertComment(ctx context.Context, row models.NewCommentRow) (models.Comment, error) {
	var comment models.Comment
	if err := s.insert(ctx, COMMENTS_TABLE, row, &comment); err != nil {
		slog.Error("[StoreClient] Failed to insert comment",
			slog.String("post_id", row.PostID),
			slog.String("error", err.Error()))
		return models.Comment{}, &WriteError{Op: "insert comment post_id=" + row.PostID, Err: err}
	}
	return comment, nil
}

// UpdatePostUpvotes writes a new counter value for one post and returns the
// stored row.
func (s *StoreClient) UpdatePostUpvotes(ctx context.Context, id string, upvotes int) (models.Post, error) {
	query := url.Values{}
	query.Set("id", "eq."+id)

	patch := map[string]int{"upvotes": upvotes}
	var rows []models.Post
	if err := s.do(ctx, http.MethodPatch, POSTS_TABLE, query, patch, &rows); err != nil {
		slog.Error("[StoreClient] Failed to update upvotes",
			slog.String("post_id", id),
			slog.String("error", err.Error()))
		return models.Post{}, &WriteError{Op: "update upvotes id=" + id, Err: err}
	}
	if len(rows) == 0 {
		return models.Post{}, &WriteError{Op: "update upvotes id=" + id, Err: fmt.Errorf("no row returned")}
	}
	return rows[0], nil
}

func (s *StoreClient) insert(ctx context.Context, table string, row any, out any) error {
	var rows json.RawMessage
	if err := s.do(ctx, http.MethodPost, table, nil, row, &rows); err != nil {
		return err
	}
	// Representation comes back as a one-element array.
	var elems []json.RawMessage
	if err := json.Unmarshal(rows, &elems); err != nil || len(elems) == 0 {
		return fmt.Errorf("store returned no representation for insert into %s", table)
	}
	return json.Unmarshal(elems[0], out)
}

func (s *StoreClient) do(ctx context.Context, method, table string, query url.Values, body, out any) error {
	reqURL := s.BaseURL + restPathPrefix + table
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", s.APIKey)
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("User-Agent", USER_AGENT)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}

	res, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &statusError{Status: res.StatusCode, Body: string(resBody)}
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, out)
}

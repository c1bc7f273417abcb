package clients

import "fmt"

// FetchError wraps a failed store read. The synchronizer keeps its previous
// snapshot when it sees one of these.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("store fetch failed (%s): %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// WriteError wraps a failed store insert or update. Writes are never retried
// automatically; the caller must re-submit.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("store write failed (%s): %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// UploadError wraps a failed image upload. A post submission carrying an
// image is aborted when its upload fails, so post and image never split
// into inconsistent states.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("image upload failed (key=%s): %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// SubscriptionError wraps a change-feed setup or drop failure.
type SubscriptionError struct {
	Table string
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("change feed subscription failed (table=%s): %v", e.Table, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// statusError carries a non-2xx store response.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

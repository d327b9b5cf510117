package item

// State tracks a push item through its delivery lifecycle.
type State string

const (
	// StatePending marks an item waiting for upload, scan or go-live.
	StatePending State = "PENDING"

	// StatePushed marks an item uploaded and live on a product listing.
	StatePushed State = "PUSHED"

	// StateUploadFailed marks an item whose upload to the cloud failed.
	StateUploadFailed State = "UPLOADFAILED"

	// StateNotPushed marks an item uploaded but not live on a product
	// listing, either because publishing failed or because the run stopped
	// at association on purpose.
	StateNotPushed State = "NOTPUSHED"

	// StateDeleted marks an image removed from the cloud.
	StateDeleted State = "DELETED"

	// StateSkipped marks an item excluded from processing.
	StateSkipped State = "SKIPPED"

	// StateMissing marks an image that could not be found remotely while
	// deleting.
	StateMissing State = "MISSING"
)

// Terminal reports whether no further transition is expected for s.
func (s State) Terminal() bool {
	switch s {
	case StatePushed, StateUploadFailed, StateNotPushed, StateDeleted, StateMissing:
		return true
	}
	return false
}

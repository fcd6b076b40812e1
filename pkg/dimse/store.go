package dimse

import (
	"context"
	"fmt"
)

// StoreRequest is one object to send with C-STORE. Dataset is encoded in
// TransferSyntax and carries no file meta group.
type StoreRequest struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	Dataset        []byte
	Priority       uint16
}

// CStore sends one object and returns the peer's status. A non-success
// status is returned as a *StatusError.
func (a *Association) CStore(ctx context.Context, req StoreRequest) error {
	if !a.IsConnected() {
		if err := a.Connect(ctx); err != nil {
			return err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	pc, err := a.findContext(req.SOPClassUID, req.TransferSyntax)
	if err != nil {
		return err
	}

	dataset := req.Dataset
	if dataset == nil {
		dataset = []byte{}
	}

	rsp, err := a.roundTrip(ctx, pc.ID, &Command{
		CommandField:           CStoreRQ,
		AffectedSOPClassUID:    req.SOPClassUID,
		AffectedSOPInstanceUID: req.SOPInstanceUID,
		Priority:               req.Priority,
	}, dataset)
	if err != nil {
		return fmt.Errorf("C-STORE failed: %w", err)
	}
	if rsp.Status != StatusSuccess {
		return &StatusError{Command: "C-STORE", Status: rsp.Status, Comment: rsp.ErrorComment}
	}
	return nil
}

package dimse

import (
	"context"
	"fmt"
)

// StatusError is returned when the peer answers with a non-success status.
type StatusError struct {
	Command string
	Status  uint16
	Comment string
}

func (e *StatusError) Error() string {
	if e.Comment != "" {
		return fmt.Sprintf("%s failed with status 0x%04x: %s", e.Command, e.Status, e.Comment)
	}
	return fmt.Sprintf("%s failed with status 0x%04x", e.Command, e.Status)
}

// CEcho performs a C-ECHO operation (DICOM ping)
func (a *Association) CEcho(ctx context.Context) error {
	if !a.IsConnected() {
		if err := a.Connect(ctx); err != nil {
			return err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	pc, err := a.findContext(VerificationSOPClass, "")
	if err != nil {
		return err
	}

	rsp, err := a.roundTrip(ctx, pc.ID, &Command{
		CommandField:        CEchoRQ,
		AffectedSOPClassUID: VerificationSOPClass,
	}, nil)
	if err != nil {
		return fmt.Errorf("C-ECHO failed: %w", err)
	}
	if rsp.Status != StatusSuccess {
		return &StatusError{Command: "C-ECHO", Status: rsp.Status, Comment: rsp.ErrorComment}
	}
	return nil
}

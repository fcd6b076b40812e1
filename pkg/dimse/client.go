package dimse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrNotConnected is returned when an operation needs an open association.
var ErrNotConnected = errors.New("association not established")

// ErrNoPresentationContext is returned when no accepted presentation context
// matches the requested abstract and transfer syntax.
var ErrNoPresentationContext = errors.New("no accepted presentation context")

// Association is the requesting (SCU) side of a DICOM association
type Association struct {
	conn        net.Conn
	config      AssociationConfig
	mu          sync.Mutex
	isConnected bool
	lastUsed    time.Time
	accepted    map[byte]PresentationContext
	peerMaxPDU  uint32
	messageID   uint16
}

// AssociationConfig holds configuration for DICOM associations
type AssociationConfig struct {
	Host         string
	Port         int
	CallingAET   string
	CalledAET    string
	Timeout      time.Duration
	MaxPDULength uint32
	// AbstractSyntaxes are proposed in addition to Verification. Defaults to
	// DefaultStorageSOPClasses.
	AbstractSyntaxes []string
	// TransferSyntaxes are proposed for every abstract syntax, each in its
	// own presentation context. Defaults to implicit and explicit VR little
	// endian.
	TransferSyntaxes []string
}

// NewAssociation creates a new, unconnected association
func NewAssociation(config AssociationConfig) *Association {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxPDULength == 0 {
		config.MaxPDULength = 16384
	}
	if len(config.AbstractSyntaxes) == 0 {
		config.AbstractSyntaxes = DefaultStorageSOPClasses
	}
	if len(config.TransferSyntaxes) == 0 {
		config.TransferSyntaxes = []string{ImplicitVRLittleEndian, ExplicitVRLittleEndian}
	}

	return &Association{config: config}
}

// Connect dials the peer and negotiates the association
func (a *Association) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isConnected {
		return nil
	}

	addr := net.JoinHostPort(a.config.Host, fmt.Sprint(a.config.Port))
	dialer := &net.Dialer{Timeout: a.config.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	a.conn = conn

	if err := a.negotiate(ctx); err != nil {
		conn.Close()
		a.conn = nil
		return err
	}

	a.isConnected = true
	a.lastUsed = time.Now()
	return nil
}

func (a *Association) negotiate(ctx context.Context) error {
	rq := a.buildAssociateRequest()
	proposed := make(map[byte]PresentationContext, len(rq.PresentationContexts))
	for _, pc := range rq.PresentationContexts {
		proposed[pc.ID] = pc
	}

	a.setDeadline(ctx)
	if err := WritePDU(a.conn, PDUAssociateRQ, rq.Encode(false)); err != nil {
		return fmt.Errorf("failed to send associate request: %w", err)
	}

	pdu, err := ReadPDU(a.conn, 0)
	if err != nil {
		return fmt.Errorf("failed to receive associate response: %w", err)
	}

	switch pdu.Type {
	case PDUAssociateAC:
	case PDUAssociateRJ:
		rj, err := DecodeReject(pdu.Data)
		if err != nil {
			return err
		}
		return rj
	case PDUAbort:
		ab, err := DecodeAbort(pdu.Data)
		if err != nil {
			return err
		}
		return ab
	default:
		return fmt.Errorf("unexpected PDU type: 0x%02x", pdu.Type)
	}

	ac, err := DecodeAssociate(pdu.Data)
	if err != nil {
		return fmt.Errorf("failed to parse associate response: %w", err)
	}

	a.accepted = make(map[byte]PresentationContext)
	for _, pc := range ac.PresentationContexts {
		if pc.Result != ResultAcceptance {
			continue
		}
		req, ok := proposed[pc.ID]
		if !ok {
			continue
		}
		a.accepted[pc.ID] = PresentationContext{
			ID:               pc.ID,
			AbstractSyntax:   req.AbstractSyntax,
			TransferSyntaxes: pc.TransferSyntaxes,
		}
	}
	a.peerMaxPDU = ac.UserInformation.MaxPDULength
	return nil
}

// buildAssociateRequest proposes Verification plus one context per
// abstract/transfer syntax pair. Context IDs are odd and at most 255.
func (a *Association) buildAssociateRequest() *Associate {
	rq := &Associate{
		CalledAETitle:      a.config.CalledAET,
		CallingAETitle:     a.config.CallingAET,
		ApplicationContext: ApplicationContextUID,
		UserInformation: UserInformation{
			MaxPDULength:              a.config.MaxPDULength,
			ImplementationClassUID:    ImplementationClassUID,
			ImplementationVersionName: ImplementationVersion,
		},
	}

	id := 1
	add := func(abstract string, transfer []string) {
		if id > 255 {
			return
		}
		rq.PresentationContexts = append(rq.PresentationContexts, PresentationContext{
			ID:               byte(id),
			AbstractSyntax:   abstract,
			TransferSyntaxes: transfer,
		})
		id += 2
	}

	add(VerificationSOPClass, []string{ImplicitVRLittleEndian})
	for _, abstract := range a.config.AbstractSyntaxes {
		if abstract == VerificationSOPClass {
			continue
		}
		for _, ts := range a.config.TransferSyntaxes {
			add(abstract, []string{ts})
		}
	}
	return rq
}

// AcceptedContexts returns the presentation contexts the peer accepted.
func (a *Association) AcceptedContexts() []PresentationContext {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]PresentationContext, 0, len(a.accepted))
	for _, pc := range a.accepted {
		out = append(out, pc)
	}
	return out
}

// findContext returns an accepted context for abstractSyntax. An empty
// transferSyntax matches any.
func (a *Association) findContext(abstractSyntax, transferSyntax string) (PresentationContext, error) {
	var match *PresentationContext
	for _, pc := range a.accepted {
		if pc.AbstractSyntax != abstractSyntax {
			continue
		}
		if transferSyntax != "" && pc.TransferSyntax() != transferSyntax {
			continue
		}
		if match == nil || pc.ID < match.ID {
			match = &pc
		}
	}
	if match == nil {
		return PresentationContext{}, fmt.Errorf("%w for %s / %s", ErrNoPresentationContext, abstractSyntax, transferSyntax)
	}
	return *match, nil
}

// roundTrip sends one request and waits for its response.
func (a *Association) roundTrip(ctx context.Context, contextID byte, cmd *Command, data []byte) (*Command, error) {
	if !a.isConnected {
		return nil, ErrNotConnected
	}

	a.messageID++
	cmd.MessageID = a.messageID
	a.lastUsed = time.Now()

	a.setDeadline(ctx)
	if err := WriteMessage(a.conn, contextID, cmd, data, a.peerMaxPDU); err != nil {
		a.drop()
		return nil, err
	}

	var asm Assembler
	for {
		pdu, err := ReadPDU(a.conn, 0)
		if err != nil {
			a.drop()
			return nil, fmt.Errorf("failed to receive %s response: %w", cmd.Name(), err)
		}

		switch pdu.Type {
		case PDUPData:
		case PDUAbort:
			a.drop()
			ab, _ := DecodeAbort(pdu.Data)
			return nil, ab
		default:
			a.drop()
			return nil, fmt.Errorf("unexpected PDU type 0x%02x while waiting for %s response", pdu.Type, cmd.Name())
		}

		pdvs, err := DecodePData(pdu.Data)
		if err != nil {
			a.drop()
			return nil, err
		}
		for _, pdv := range pdvs {
			msg, err := asm.Add(pdv)
			if err != nil {
				a.drop()
				return nil, err
			}
			if msg == nil {
				continue
			}
			if msg.Command.MessageIDBeingRespondedTo != cmd.MessageID {
				return nil, fmt.Errorf("response to message %d, expected %d", msg.Command.MessageIDBeingRespondedTo, cmd.MessageID)
			}
			return msg.Command, nil
		}
	}
}

// Close releases the association and closes the connection
func (a *Association) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isConnected {
		return nil
	}
	a.isConnected = false

	a.setDeadline(context.Background())
	err := WritePDU(a.conn, PDUReleaseRQ, ReleaseBody())
	if err == nil {
		var pdu *PDU
		pdu, err = ReadPDU(a.conn, 0)
		if err == nil && pdu.Type != PDUReleaseRP {
			err = fmt.Errorf("unexpected PDU type 0x%02x in reply to release request", pdu.Type)
		}
	}

	if cerr := a.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Abort sends A-ABORT and closes the connection without releasing.
func (a *Association) Abort() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isConnected {
		return nil
	}
	a.isConnected = false

	a.setDeadline(context.Background())
	err := WritePDU(a.conn, PDUAbort, Abort{Source: AbortSourceServiceUser}.Encode())
	if cerr := a.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// drop closes the connection after a transport or protocol failure.
func (a *Association) drop() {
	a.isConnected = false
	a.conn.Close()
}

func (a *Association) setDeadline(ctx context.Context) {
	deadline := time.Now().Add(a.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	a.conn.SetDeadline(deadline)
}

// IsConnected checks if the association is still active
func (a *Association) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isConnected
}

// GetLastUsed returns the last used timestamp
func (a *Association) GetLastUsed() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsed
}

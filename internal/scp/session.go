package scp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/otcheredev/dicom-ingestor/internal/dicomfile"
	"github.com/otcheredev/dicom-ingestor/internal/ingest"
	"github.com/otcheredev/dicom-ingestor/internal/metrics"
	"github.com/otcheredev/dicom-ingestor/internal/models"
	"github.com/otcheredev/dicom-ingestor/pkg/dimse"
)

// Causes attached to a session's context when it is cancelled.
var (
	errPeerAborted    = errors.New("peer aborted the association")
	errConnectionLost = errors.New("connection lost")
	errServerShutdown = errors.New("server shutting down")
	errSessionClosed  = errors.New("session closed")
)

// minReadLimit keeps association requests with many presentation contexts
// readable when a small PDU length is configured.
const minReadLimit = 64 << 10

// maxErrorComment is the length limit of the LO Error Comment element.
const maxErrorComment = 64

type protocolError struct {
	reason byte
	err    error
}

func (e *protocolError) Error() string { return e.err.Error() }
func (e *protocolError) Unwrap() error { return e.err }

func violation(reason byte, format string, args ...any) error {
	return &protocolError{
		reason: reason,
		err:    models.NewError(models.ErrProtocolViolation, "association", fmt.Errorf(format, args...)),
	}
}

// session serves one connection. All state is owned by the goroutine running
// run; the reader goroutine only forwards PDUs and cancels the context.
type session struct {
	id     string
	server *Server
	conn   net.Conn
	log    zerolog.Logger
	opened time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	state State

	callingAE  string
	calledAE   string
	contexts   map[byte]dimse.PresentationContext
	peerMaxPDU uint32
	asm        dimse.Assembler
	admitted   bool
	outcome    string
	stores     int
}

func newSession(srv *Server, conn net.Conn) *session {
	ctx, cancel := context.WithCancelCause(context.Background())
	id := uuid.NewString()
	return &session{
		id:     id,
		server: srv,
		conn:   conn,
		opened: time.Now(),
		log: srv.log.With().
			Str("session_id", id).
			Str("remote_addr", conn.RemoteAddr().String()).
			Logger(),
		ctx:      ctx,
		cancel:   cancel,
		contexts: make(map[byte]dimse.PresentationContext),
		asm:      dimse.Assembler{MaxDataSize: srv.cfg.MaxObjectSize},
		outcome:  outcomeLost,
	}
}

// State returns the current association state.
func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from == to {
		return
	}
	s.log.Debug().Stringer("from", from).Stringer("to", to).Msg("Association state changed")
	if hook := s.server.OnStateChange; hook != nil {
		hook(s.id, from, to)
	}
}

func (s *session) run() {
	defer s.finish()

	pdus := make(chan *dimse.PDU, 4)
	go s.readLoop(pdus)

	timer := time.NewTimer(s.server.cfg.AssociationTimeout)
	defer timer.Stop()
	timeout := timer.C

	for {
		if s.ctx.Err() != nil {
			s.end(context.Cause(s.ctx))
			return
		}

		var pdu *dimse.PDU
		select {
		case pdu = <-pdus:
		default:
			select {
			case pdu = <-pdus:
			case <-s.ctx.Done():
				continue
			case <-timeout:
				s.log.Warn().Stringer("state", s.State()).Msg("Association timed out")
				s.abort(dimse.AbortReasonNotSpecified)
				s.outcome = outcomeTimeout
				return
			}
		}

		done, err := s.handle(pdu)
		if err != nil {
			s.end(err)
			return
		}
		if done {
			return
		}

		if idle := s.server.cfg.IdleTimeout; idle > 0 {
			timer.Reset(idle)
		} else {
			timer.Stop()
			timeout = nil
		}
	}
}

// readLoop forwards PDUs until the connection fails or the peer aborts.
func (s *session) readLoop(out chan<- *dimse.PDU) {
	limit := max(s.server.cfg.MaxPDULength, minReadLimit)
	for {
		pdu, err := dimse.ReadPDU(s.conn, limit)
		if err != nil {
			switch {
			case errors.Is(err, dimse.ErrPDUTooLarge):
				s.cancel(violation(dimse.AbortReasonInvalidPDUParm, "%v", err))
			case errors.Is(err, dimse.ErrMalformedPDU):
				s.cancel(violation(dimse.AbortReasonInvalidPDUParm, "%v", err))
			default:
				s.cancel(fmt.Errorf("%w: %v", errConnectionLost, err))
			}
			return
		}
		if pdu.Type == dimse.PDUAbort {
			s.cancel(errPeerAborted)
			return
		}
		select {
		case out <- pdu:
		case <-s.ctx.Done():
			return
		}
	}
}

// handle processes one PDU. done reports a clean end of the association.
func (s *session) handle(pdu *dimse.PDU) (done bool, err error) {
	state := s.State()

	switch pdu.Type {
	case dimse.PDUAssociateRQ:
		if state != StateIdle {
			return false, violation(dimse.AbortReasonUnexpectedPDU, "A-ASSOCIATE-RQ in state %s", state)
		}
		return s.handleAssociate(pdu.Data)

	case dimse.PDUPData:
		if state != StateEstablished && state != StateStoring {
			return false, violation(dimse.AbortReasonUnexpectedPDU, "P-DATA-TF in state %s", state)
		}
		return false, s.handlePData(pdu.Data)

	case dimse.PDUReleaseRQ:
		if state != StateEstablished || s.asm.InProgress() {
			return false, violation(dimse.AbortReasonUnexpectedPDU, "A-RELEASE-RQ in state %s", state)
		}
		s.setState(StateReleasing)
		if err := s.write(dimse.PDUReleaseRP, dimse.ReleaseBody()); err != nil {
			return false, err
		}
		s.outcome = outcomeReleased
		s.log.Info().Int("stores", s.stores).Msg("Association released")
		return true, nil

	case dimse.PDUAssociateAC, dimse.PDUAssociateRJ, dimse.PDUReleaseRP:
		return false, violation(dimse.AbortReasonUnexpectedPDU, "unexpected PDU type %#02x", pdu.Type)

	default:
		return false, violation(dimse.AbortReasonUnrecognizedPDU, "unrecognized PDU type %#02x", pdu.Type)
	}
}

func (s *session) handleAssociate(data []byte) (bool, error) {
	rq, err := dimse.DecodeAssociate(data)
	if err != nil {
		return false, violation(dimse.AbortReasonInvalidPDUParm, "%v", err)
	}
	s.setState(StateAssociationRequested)

	s.callingAE = rq.CallingAETitle
	s.calledAE = rq.CalledAETitle
	s.peerMaxPDU = rq.UserInformation.MaxPDULength
	s.log = s.log.With().Str("calling_ae", s.callingAE).Str("called_ae", s.calledAE).Logger()

	if !s.server.admit() {
		s.log.Warn().Int("limit", s.server.cfg.MaxAssociations).Msg("Association rejected: limit reached")
		// transient, service-provider (presentation), local limit exceeded
		rj := dimse.Reject{Result: 2, Source: 3, Reason: 2}
		s.outcome = outcomeRejected
		if err := s.write(dimse.PDUAssociateRJ, rj.Encode()); err != nil {
			return false, err
		}
		return true, nil
	}
	s.admitted = true
	metrics.ActiveAssociations.Inc()

	ac := &dimse.Associate{
		CalledAETitle:      rq.CalledAETitle,
		CallingAETitle:     rq.CallingAETitle,
		ApplicationContext: dimse.ApplicationContextUID,
		UserInformation: dimse.UserInformation{
			MaxPDULength:              s.server.cfg.MaxPDULength,
			ImplementationClassUID:    dimse.ImplementationClassUID,
			ImplementationVersionName: dimse.ImplementationVersion,
		},
	}
	for _, pc := range rq.PresentationContexts {
		ac.PresentationContexts = append(ac.PresentationContexts, s.negotiate(pc))
	}

	if err := s.write(dimse.PDUAssociateAC, ac.Encode(true)); err != nil {
		return false, err
	}
	s.setState(StateEstablished)
	s.log.Info().
		Int("proposed_contexts", len(rq.PresentationContexts)).
		Int("accepted_contexts", len(s.contexts)).
		Uint32("peer_max_pdu", s.peerMaxPDU).
		Msg("Association established")
	return false, nil
}

// negotiate accepts a context with the first transfer syntax the service
// understands, in the peer's order of preference.
func (s *session) negotiate(pc dimse.PresentationContext) dimse.PresentationContext {
	for _, ts := range pc.TransferSyntaxes {
		if dimse.IsSupportedTransferSyntax(ts) {
			accepted := dimse.PresentationContext{
				ID:               pc.ID,
				AbstractSyntax:   pc.AbstractSyntax,
				TransferSyntaxes: []string{ts},
				Result:           dimse.ResultAcceptance,
			}
			s.contexts[pc.ID] = accepted
			return accepted
		}
	}
	s.log.Debug().
		Uint8("context_id", pc.ID).
		Str("abstract_syntax", pc.AbstractSyntax).
		Strs("transfer_syntaxes", pc.TransferSyntaxes).
		Msg("Presentation context rejected")
	return dimse.PresentationContext{
		ID:     pc.ID,
		Result: dimse.ResultTransferSyntaxesNotSupported,
	}
}

func (s *session) handlePData(data []byte) error {
	pdvs, err := dimse.DecodePData(data)
	if err != nil {
		return violation(dimse.AbortReasonInvalidPDUParm, "%v", err)
	}

	for _, pdv := range pdvs {
		if _, ok := s.contexts[pdv.ContextID]; !ok {
			return violation(dimse.AbortReasonUnexpectedPDUParm, "PDV for unknown presentation context %d", pdv.ContextID)
		}

		msg, err := s.asm.Add(pdv)
		if err != nil {
			return violation(dimse.AbortReasonUnexpectedPDUParm, "%v", err)
		}
		if msg == nil {
			if cmd := s.asm.PendingCommand(); cmd != nil && s.State() == StateEstablished {
				if cmd.CommandField != dimse.CStoreRQ {
					return violation(dimse.AbortReasonUnexpectedPDUParm, "unsupported command %s", cmd.Name())
				}
				s.setState(StateStoring)
			}
			continue
		}

		if err := s.dispatch(msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) dispatch(msg *dimse.Message) error {
	cmd := msg.Command

	switch cmd.CommandField {
	case dimse.CEchoRQ:
		s.setState(StateVerifying)
		if err := s.respond(msg, dimse.CEchoRSP, dimse.StatusSuccess, ""); err != nil {
			return err
		}
		s.setState(StateEstablished)
		return nil

	case dimse.CStoreRQ:
		s.setState(StateStoring)
		status, comment := s.store(msg)
		if s.ctx.Err() != nil {
			return context.Cause(s.ctx)
		}
		if err := s.respond(msg, dimse.CStoreRSP, status, comment); err != nil {
			return err
		}
		s.stores++
		s.setState(StateEstablished)
		return nil

	default:
		return violation(dimse.AbortReasonUnexpectedPDUParm, "unsupported command %s", cmd.Name())
	}
}

// store hands the received data set to the ingester and maps the outcome to
// a C-STORE status.
func (s *session) store(msg *dimse.Message) (uint16, string) {
	cmd := msg.Command
	pc := s.contexts[msg.ContextID]

	log := s.log.With().
		Uint16("message_id", cmd.MessageID).
		Str("sop_instance_uid", cmd.AffectedSOPInstanceUID).
		Logger()

	if msg.DataTruncated {
		log.Warn().
			Int64("size", msg.DataSize).
			Int64("limit", s.server.cfg.MaxObjectSize).
			Msg("C-STORE data set exceeds size limit")
		return dimse.StatusOutOfResources, "data set exceeds maximum object size"
	}
	if len(msg.Data) == 0 {
		log.Warn().Msg("C-STORE carried no data set")
		return dimse.StatusProcessingFailure, "empty data set"
	}

	classUID := cmd.AffectedSOPClassUID
	if classUID == "" {
		classUID = pc.AbstractSyntax
	}
	file := dicomfile.Wrap(dicomfile.MetaInfo{
		SOPClassUID:       classUID,
		SOPInstanceUID:    cmd.AffectedSOPInstanceUID,
		TransferSyntaxUID: pc.TransferSyntax(),
		SourceAETitle:     s.callingAE,
	}, msg.Data)

	result := s.server.ingester.Ingest(s.ctx, ingest.Object{
		Data:           file,
		Source:         models.SourceDIMSE,
		RemoteAddr:     s.conn.RemoteAddr().String(),
		CallingAETitle: s.callingAE,
	})
	if !result.Success {
		return dimse.StatusProcessingFailure, truncate(result.Error, maxErrorComment)
	}
	return dimse.StatusSuccess, ""
}

func (s *session) respond(msg *dimse.Message, field, status uint16, comment string) error {
	rsp := &dimse.Command{
		CommandField:              field,
		AffectedSOPClassUID:       msg.Command.AffectedSOPClassUID,
		MessageIDBeingRespondedTo: msg.Command.MessageID,
		Status:                    status,
		ErrorComment:              comment,
		AffectedSOPInstanceUID:    msg.Command.AffectedSOPInstanceUID,
	}
	metrics.DIMSERequests.WithLabelValues(msg.Command.Name(), fmt.Sprintf("%#04x", status)).Inc()

	s.setWriteDeadline()
	if err := dimse.WriteMessage(s.conn, msg.ContextID, rsp, nil, s.peerMaxPDU); err != nil {
		return fmt.Errorf("%w: %v", errConnectionLost, err)
	}
	return nil
}

func (s *session) write(pduType byte, data []byte) error {
	s.setWriteDeadline()
	if err := dimse.WritePDU(s.conn, pduType, data); err != nil {
		return fmt.Errorf("%w: %v", errConnectionLost, err)
	}
	return nil
}

func (s *session) setWriteDeadline() {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.WriteTimeout))
}

// abort sends A-ABORT. Write errors are ignored; the connection is closed
// right after.
func (s *session) abort(reason byte) {
	s.setState(StateAborting)
	abort := dimse.Abort{Source: dimse.AbortSourceServiceProvider, Reason: reason}
	_ = s.write(dimse.PDUAbort, abort.Encode())
}

// end closes the association after an error or cancellation.
func (s *session) end(err error) {
	var pe *protocolError
	switch {
	case errors.Is(err, errPeerAborted):
		s.setState(StateAborting)
		s.outcome = outcomeAborted
		s.log.Info().Stringer("state", s.State()).Msg("Association aborted by peer")

	case errors.Is(err, errServerShutdown):
		s.abort(dimse.AbortReasonNotSpecified)
		s.outcome = outcomeShutdown
		s.log.Info().Msg("Association aborted: server shutting down")

	case errors.As(err, &pe):
		s.log.Warn().Err(err).Msg("Protocol violation")
		s.abort(pe.reason)
		s.outcome = outcomeAborted

	default:
		s.outcome = outcomeLost
		s.log.Warn().Err(err).Msg("Association connection lost")
	}
}

func (s *session) finish() {
	if r := recover(); r != nil {
		s.log.Error().
			Interface("panic", r).
			Bytes("stack", debug.Stack()).
			Msg("Association panicked")
		s.abort(dimse.AbortReasonNotSpecified)
		s.outcome = outcomeAborted
	}

	s.cancel(errSessionClosed)
	s.conn.Close()

	if s.admitted {
		s.server.release()
		metrics.ActiveAssociations.Dec()
	}
	s.setState(StateClosed)
	metrics.Associations.WithLabelValues(s.outcome).Inc()

	s.log.Debug().
		Str("outcome", s.outcome).
		Int("stores", s.stores).
		Dur("duration", time.Since(s.opened)).
		Msg("Association closed")
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

package dimse_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/otcheredev/dicom-ingestor/pkg/dimse"
)

// fakePeer is a minimal SCP that accepts every context with its first
// transfer syntax. Stores of failUID are answered with a processing failure.
type fakePeer struct {
	listener net.Listener
	failUID  string

	mu       sync.Mutex
	stored   []string
	released int
	wg       sync.WaitGroup
}

func startPeer(t *testing.T, failUID string) *fakePeer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := &fakePeer{listener: l, failUID: failUID}
	p.wg.Add(1)
	go p.accept()
	t.Cleanup(func() {
		l.Close()
		p.wg.Wait()
	})
	return p
}

func (p *fakePeer) config() dimse.AssociationConfig {
	addr := p.listener.Addr().(*net.TCPAddr)
	return dimse.AssociationConfig{
		Host:       "127.0.0.1",
		Port:       addr.Port,
		CallingAET: "TEST_SCU",
		CalledAET:  "FAKE_SCP",
		Timeout:    5 * time.Second,
	}
}

func (p *fakePeer) accept() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer conn.Close()
			p.serve(conn)
		}()
	}
}

func (p *fakePeer) serve(conn net.Conn) {
	pdu, err := dimse.ReadPDU(conn, 0)
	if err != nil || pdu.Type != dimse.PDUAssociateRQ {
		return
	}
	rq, err := dimse.DecodeAssociate(pdu.Data)
	if err != nil {
		return
	}

	ac := &dimse.Associate{
		CalledAETitle:   rq.CalledAETitle,
		CallingAETitle:  rq.CallingAETitle,
		UserInformation: dimse.UserInformation{MaxPDULength: 1024},
	}
	for _, pc := range rq.PresentationContexts {
		ac.PresentationContexts = append(ac.PresentationContexts, dimse.PresentationContext{
			ID:               pc.ID,
			Result:           dimse.ResultAcceptance,
			TransferSyntaxes: pc.TransferSyntaxes[:1],
		})
	}
	if err := dimse.WritePDU(conn, dimse.PDUAssociateAC, ac.Encode(true)); err != nil {
		return
	}

	var asm dimse.Assembler
	for {
		pdu, err := dimse.ReadPDU(conn, 0)
		if err != nil {
			return
		}
		switch pdu.Type {
		case dimse.PDUReleaseRQ:
			p.mu.Lock()
			p.released++
			p.mu.Unlock()
			dimse.WritePDU(conn, dimse.PDUReleaseRP, dimse.ReleaseBody())
			return
		case dimse.PDUAbort:
			return
		case dimse.PDUPData:
		default:
			return
		}

		pdvs, err := dimse.DecodePData(pdu.Data)
		if err != nil {
			return
		}
		for _, pdv := range pdvs {
			msg, err := asm.Add(pdv)
			if err != nil {
				return
			}
			if msg != nil {
				p.respond(conn, msg)
			}
		}
	}
}

func (p *fakePeer) respond(conn net.Conn, msg *dimse.Message) {
	rsp := &dimse.Command{
		MessageIDBeingRespondedTo: msg.Command.MessageID,
		AffectedSOPClassUID:       msg.Command.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.Command.AffectedSOPInstanceUID,
		Status:                    dimse.StatusSuccess,
	}
	switch msg.Command.CommandField {
	case dimse.CEchoRQ:
		rsp.CommandField = dimse.CEchoRSP
	case dimse.CStoreRQ:
		rsp.CommandField = dimse.CStoreRSP
		if msg.Command.AffectedSOPInstanceUID == p.failUID {
			rsp.Status = dimse.StatusProcessingFailure
		} else {
			p.mu.Lock()
			p.stored = append(p.stored, msg.Command.AffectedSOPInstanceUID)
			p.mu.Unlock()
		}
	}
	dimse.WriteMessage(conn, msg.ContextID, rsp, nil, 0)
}

func TestCEcho(t *testing.T) {
	peer := startPeer(t, "")

	assoc := dimse.NewAssociation(peer.config())
	ctx := context.Background()

	if err := assoc.CEcho(ctx); err != nil {
		t.Fatalf("C-ECHO failed: %v", err)
	}
	if err := assoc.CEcho(ctx); err != nil {
		t.Fatalf("second C-ECHO failed: %v", err)
	}
	if err := assoc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.released != 1 {
		t.Fatalf("peer saw %d releases, want 1", peer.released)
	}
}

func TestCStore(t *testing.T) {
	peer := startPeer(t, "9.9.9")

	assoc := dimse.NewAssociation(peer.config())
	defer assoc.Close()
	ctx := context.Background()

	req := dimse.StoreRequest{
		SOPClassUID:    "1.2.840.10008.5.1.4.1.1.7",
		SOPInstanceUID: "1.2.3",
		TransferSyntax: dimse.ExplicitVRLittleEndian,
		Dataset:        make([]byte, 5000),
	}
	if err := assoc.CStore(ctx, req); err != nil {
		t.Fatalf("CStore() error = %v", err)
	}

	req.SOPInstanceUID = "9.9.9"
	err := assoc.CStore(ctx, req)
	var statusErr *dimse.StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != dimse.StatusProcessingFailure {
		t.Fatalf("CStore() error = %v, want processing failure status", err)
	}
	if !assoc.IsConnected() {
		t.Fatal("association dropped after failure status")
	}

	req.SOPClassUID = "1.2.3.4.5.6"
	if err := assoc.CStore(ctx, req); !errors.Is(err, dimse.ErrNoPresentationContext) {
		t.Fatalf("CStore() with unproposed class error = %v", err)
	}

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if len(peer.stored) != 1 || peer.stored[0] != "1.2.3" {
		t.Fatalf("peer stored %v", peer.stored)
	}
}

func TestConnect_Refused(t *testing.T) {
	l, _ := net.Listen("tcp", "127.0.0.1:0")
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	assoc := dimse.NewAssociation(dimse.AssociationConfig{Host: "127.0.0.1", Port: port, Timeout: time.Second})
	if err := assoc.Connect(context.Background()); err == nil {
		t.Fatal("Connect() to closed port succeeded")
	}
	if assoc.IsConnected() {
		t.Fatal("IsConnected() = true after failed connect")
	}
}

func TestConnectionPool(t *testing.T) {
	peer := startPeer(t, "")

	pool := dimse.NewConnectionPool(dimse.PoolConfig{
		AssociationConfig: peer.config(),
		MaxPoolSize:       1,
		MaxIdleTime:       time.Minute,
	})
	defer pool.Close()

	ctx := context.Background()

	conn, err := pool.Get(ctx)
	if err != nil {
		t.Fatalf("Failed to get connection: %v", err)
	}
	if _, err := pool.Get(ctx); !errors.Is(err, dimse.ErrPoolExhausted) {
		t.Fatalf("second Get() error = %v, want ErrPoolExhausted", err)
	}

	if err := conn.CEcho(ctx); err != nil {
		t.Fatalf("C-ECHO failed: %v", err)
	}
	pool.Put(conn)

	stats := pool.Stats()
	if stats.IdleConnections != 1 || stats.InUseConnections != 0 {
		t.Errorf("Stats() = %+v, want 1 idle, 0 in use", stats)
	}

	again, err := pool.Get(ctx)
	if err != nil {
		t.Fatalf("Get() after Put error = %v", err)
	}
	if again != conn {
		t.Error("pool did not reuse the idle association")
	}
	pool.Put(again)
}

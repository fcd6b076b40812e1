package scp_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/otcheredev/dicom-ingestor/internal/catalog"
	"github.com/otcheredev/dicom-ingestor/internal/dicomfile"
	"github.com/otcheredev/dicom-ingestor/internal/ingest"
	"github.com/otcheredev/dicom-ingestor/internal/models"
	"github.com/otcheredev/dicom-ingestor/internal/objectstore"
	"github.com/otcheredev/dicom-ingestor/internal/scp"
	"github.com/otcheredev/dicom-ingestor/pkg/dimse"
)

const ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"

// recorder collects state transitions per session.
type recorder struct {
	mu     sync.Mutex
	states map[string][]scp.State
	closed chan string
}

func newRecorder() *recorder {
	return &recorder{states: make(map[string][]scp.State), closed: make(chan string, 16)}
}

func (r *recorder) record(id string, from, to scp.State) {
	r.mu.Lock()
	r.states[id] = append(r.states[id], to)
	r.mu.Unlock()
	if to == scp.StateClosed {
		r.closed <- id
	}
}

// waitClosed returns the transitions of the next session to close.
func (r *recorder) waitClosed(t *testing.T) []scp.State {
	t.Helper()
	select {
	case id := <-r.closed:
		r.mu.Lock()
		defer r.mu.Unlock()
		return append([]scp.State(nil), r.states[id]...)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for association to close")
		return nil
	}
}

type fixture struct {
	server   *scp.Server
	addr     *net.TCPAddr
	states   *recorder
	objects  *objectstore.MemoryStore
	records  *catalog.MemoryStore
	serveErr chan error
}

func start(t *testing.T, cfg scp.Config, ingester scp.Ingester) *fixture {
	t.Helper()

	f := &fixture{
		states:   newRecorder(),
		objects:  objectstore.NewMemoryStore(),
		records:  catalog.NewMemoryStore(),
		serveErr: make(chan error, 1),
	}
	if ingester == nil {
		ingester = ingest.NewPipeline(f.objects, catalog.NewWriter(f.records, nil), nil, ingest.Options{})
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f.addr = l.Addr().(*net.TCPAddr)

	cfg.AETitle = "INGESTOR"
	f.server = scp.NewServer(cfg, ingester)
	f.server.OnStateChange = f.states.record
	go func() { f.serveErr <- f.server.Serve(l) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.server.Shutdown(ctx)
	})
	return f
}

func (f *fixture) client(transferSyntaxes ...string) *dimse.Association {
	return dimse.NewAssociation(dimse.AssociationConfig{
		Host:             "127.0.0.1",
		Port:             f.addr.Port,
		CallingAET:       "MODALITY1",
		CalledAET:        "INGESTOR",
		Timeout:          5 * time.Second,
		AbstractSyntaxes: []string{ctImageStorage},
		TransferSyntaxes: transferSyntaxes,
	})
}

func dataset(uid string) []byte {
	return dicomfile.Attributes{
		SOPClassUID:       ctImageStorage,
		SOPInstanceUID:    uid,
		PatientID:         "PAT1",
		PatientName:       "Doe^John",
		StudyDate:         "20240101",
		Modality:          "CT",
		StudyDescription:  "CT Chest",
		SeriesDescription: "Axial",
		StudyInstanceUID:  "1.2.3",
		SeriesInstanceUID: "1.2.3.4",
	}.Dataset(dicomfile.ImplicitVRLittleEndian)
}

func storeRequest(uid string) dimse.StoreRequest {
	return dimse.StoreRequest{
		SOPClassUID:    ctImageStorage,
		SOPInstanceUID: uid,
		TransferSyntax: dicomfile.ImplicitVRLittleEndian,
		Dataset:        dataset(uid),
	}
}

func contains(states []scp.State, want scp.State) bool {
	for _, s := range states {
		if s == want {
			return true
		}
	}
	return false
}

func TestEcho_HasNoCatalogSideEffect(t *testing.T) {
	f := start(t, scp.Config{}, nil)
	ctx := context.Background()

	assoc := f.client()
	if err := assoc.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := assoc.CEcho(ctx); err != nil {
		t.Fatalf("CEcho() error = %v", err)
	}
	if err := assoc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	states := f.states.waitClosed(t)
	want := []scp.State{
		scp.StateAssociationRequested,
		scp.StateEstablished,
		scp.StateVerifying,
		scp.StateEstablished,
		scp.StateReleasing,
		scp.StateClosed,
	}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}

	if n := f.records.Len(); n != 0 {
		t.Fatalf("catalog has %d records after echo", n)
	}
	if keys := f.objects.Keys(); len(keys) != 0 {
		t.Fatalf("object store has %v after echo", keys)
	}
}

func TestStore_IngestsObjects(t *testing.T) {
	f := start(t, scp.Config{}, nil)
	ctx := context.Background()

	assoc := f.client()
	if err := assoc.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	for _, uid := range []string{"1.2.3.4.1", "1.2.3.4.2"} {
		if err := assoc.CStore(ctx, storeRequest(uid)); err != nil {
			t.Fatalf("CStore(%s) error = %v", uid, err)
		}
	}
	// A repeat store of the same instance is a success.
	if err := assoc.CStore(ctx, storeRequest("1.2.3.4.1")); err != nil {
		t.Fatalf("repeat CStore() error = %v", err)
	}
	if err := assoc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	states := f.states.waitClosed(t)
	if !contains(states, scp.StateStoring) {
		t.Fatalf("states %v never entered Storing", states)
	}
	if states[len(states)-2] != scp.StateReleasing {
		t.Fatalf("states = %v, want release before close", states)
	}

	if n := f.records.Len(); n != 2 {
		t.Fatalf("catalog has %d records, want 2", n)
	}
	rec, err := f.records.FindBySOPInstanceUID(ctx, "1.2.3.4.1")
	if err != nil {
		t.Fatalf("FindBySOPInstanceUID() error = %v", err)
	}
	if rec.Source != models.SourceDIMSE {
		t.Errorf("Source = %q, want %q", rec.Source, models.SourceDIMSE)
	}
	want := "Patient_Doe_John_PAT1/2024-01-01_CT_Chest/CT_Axial/1.2.3.4.1.dcm"
	if rec.StorageKey != want {
		t.Errorf("StorageKey = %q, want %q", rec.StorageKey, want)
	}

	data, err := f.objects.Download(ctx, want)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if string(data[128:132]) != "DICM" {
		t.Fatal("stored object is not a Part 10 file")
	}
}

type failingIngester struct{}

func (failingIngester) Ingest(ctx context.Context, obj ingest.Object) models.IngestionResult {
	return models.IngestionResult{Success: false, Error: "catalog unavailable"}
}

func TestStore_FailureKeepsAssociation(t *testing.T) {
	f := start(t, scp.Config{}, failingIngester{})
	ctx := context.Background()

	assoc := f.client()
	if err := assoc.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer assoc.Close()

	err := assoc.CStore(ctx, storeRequest("1.2.3.4.9"))
	var se *dimse.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("CStore() error = %v, want *StatusError", err)
	}
	if se.Status != dimse.StatusProcessingFailure {
		t.Fatalf("Status = %#04x, want %#04x", se.Status, dimse.StatusProcessingFailure)
	}
	if se.Comment != "catalog unavailable" {
		t.Fatalf("Comment = %q", se.Comment)
	}

	if err := assoc.CEcho(ctx); err != nil {
		t.Fatalf("CEcho() after failed store error = %v", err)
	}
}

func TestStore_OversizedDataSet(t *testing.T) {
	f := start(t, scp.Config{MaxObjectSize: 64}, nil)
	ctx := context.Background()

	assoc := f.client()
	if err := assoc.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer assoc.Close()

	err := assoc.CStore(ctx, storeRequest("1.2.3.4.10"))
	var se *dimse.StatusError
	if !errors.As(err, &se) || se.Status != dimse.StatusOutOfResources {
		t.Fatalf("CStore() error = %v, want out of resources", err)
	}
	if n := f.records.Len(); n != 0 {
		t.Fatalf("catalog has %d records, want 0", n)
	}
}

func TestStore_EmptyDataSet(t *testing.T) {
	f := start(t, scp.Config{}, nil)
	ctx := context.Background()

	assoc := f.client()
	if err := assoc.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer assoc.Close()

	req := storeRequest("9.9.9")
	req.Dataset = []byte{}
	err := assoc.CStore(ctx, req)
	var se *dimse.StatusError
	if !errors.As(err, &se) || se.Status != dimse.StatusProcessingFailure {
		t.Fatalf("CStore() error = %v, want processing failure", err)
	}
	if n := f.records.Len(); n != 0 {
		t.Fatalf("catalog has %d records, want 0", n)
	}
	if keys := f.objects.Keys(); len(keys) != 0 {
		t.Fatalf("object store has %v, want nothing", keys)
	}

	if err := assoc.CStore(ctx, storeRequest("9.9.9")); err != nil {
		t.Fatalf("CStore() with data set error = %v", err)
	}
	if _, err := f.records.FindBySOPInstanceUID(ctx, "9.9.9"); err != nil {
		t.Fatalf("FindBySOPInstanceUID() error = %v", err)
	}
}

func TestAbort_ClosesAssociation(t *testing.T) {
	f := start(t, scp.Config{}, nil)
	ctx := context.Background()

	assoc := f.client()
	if err := assoc.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := assoc.Abort(); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}

	states := f.states.waitClosed(t)
	n := len(states)
	if n < 2 || states[n-2] != scp.StateAborting || states[n-1] != scp.StateClosed {
		t.Fatalf("states = %v, want ... Aborting Closed", states)
	}
	if f.records.Len() != 0 {
		t.Fatal("abort produced catalog records")
	}
}

func TestNegotiation_UnsupportedTransferSyntax(t *testing.T) {
	f := start(t, scp.Config{}, nil)
	ctx := context.Background()

	assoc := f.client("1.2.3.999.1")
	if err := assoc.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer assoc.Close()

	for _, pc := range assoc.AcceptedContexts() {
		if pc.AbstractSyntax == ctImageStorage {
			t.Fatalf("context %d accepted with unsupported transfer syntax", pc.ID)
		}
	}

	err := assoc.CStore(ctx, dimse.StoreRequest{SOPClassUID: ctImageStorage, SOPInstanceUID: "1.2", Dataset: dataset("1.2")})
	if !errors.Is(err, dimse.ErrNoPresentationContext) {
		t.Fatalf("CStore() error = %v, want ErrNoPresentationContext", err)
	}
	if err := assoc.CEcho(ctx); err != nil {
		t.Fatalf("CEcho() error = %v", err)
	}
}

func TestAssociationLimit(t *testing.T) {
	f := start(t, scp.Config{MaxAssociations: 1}, nil)
	ctx := context.Background()

	first := f.client()
	if err := first.Connect(ctx); err != nil {
		t.Fatalf("first Connect() error = %v", err)
	}
	defer first.Close()

	second := f.client()
	err := second.Connect(ctx)
	var rj dimse.Reject
	if !errors.As(err, &rj) {
		t.Fatalf("second Connect() error = %v, want reject", err)
	}
}

// rawAssociate opens a connection and negotiates Verification by hand.
func rawAssociate(t *testing.T, addr *net.TCPAddr) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	rq := &dimse.Associate{
		CalledAETitle:      "INGESTOR",
		CallingAETitle:     "RAW",
		ApplicationContext: dimse.ApplicationContextUID,
		PresentationContexts: []dimse.PresentationContext{
			{ID: 1, AbstractSyntax: dimse.VerificationSOPClass, TransferSyntaxes: []string{dimse.ImplicitVRLittleEndian}},
		},
		UserInformation: dimse.UserInformation{MaxPDULength: 16384},
	}
	if err := dimse.WritePDU(conn, dimse.PDUAssociateRQ, rq.Encode(false)); err != nil {
		t.Fatal(err)
	}
	pdu, err := dimse.ReadPDU(conn, 0)
	if err != nil {
		t.Fatal(err)
	}
	if pdu.Type != dimse.PDUAssociateAC {
		t.Fatalf("PDU type = %#02x, want A-ASSOCIATE-AC", pdu.Type)
	}
	return conn
}

func TestProtocolViolations_Abort(t *testing.T) {
	tests := []struct {
		name    string
		pduType byte
		data    []byte
	}{
		{"unknown PDU type", 0x09, []byte{0, 0, 0, 0}},
		{"unknown context", dimse.PDUPData, dimse.EncodePData(dimse.PDV{ContextID: 7, Command: true, Last: true, Data: []byte{0}})},
		{"data before command", dimse.PDUPData, dimse.EncodePData(dimse.PDV{ContextID: 1, Last: true, Data: []byte{0}})},
		{"second associate request", dimse.PDUAssociateRQ, nil},
	}

	f := start(t, scp.Config{}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := rawAssociate(t, f.addr)
			if err := dimse.WritePDU(conn, tt.pduType, tt.data); err != nil {
				t.Fatal(err)
			}
			pdu, err := dimse.ReadPDU(conn, 0)
			if err != nil {
				t.Fatalf("ReadPDU() error = %v, want A-ABORT", err)
			}
			if pdu.Type != dimse.PDUAbort {
				t.Fatalf("PDU type = %#02x, want A-ABORT", pdu.Type)
			}
			f.states.waitClosed(t)
		})
	}
}

func TestAssociationTimeout(t *testing.T) {
	f := start(t, scp.Config{AssociationTimeout: 50 * time.Millisecond}, nil)

	conn, err := net.Dial("tcp", f.addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	pdu, err := dimse.ReadPDU(conn, 0)
	if err != nil {
		t.Fatalf("ReadPDU() error = %v, want A-ABORT", err)
	}
	if pdu.Type != dimse.PDUAbort {
		t.Fatalf("PDU type = %#02x, want A-ABORT", pdu.Type)
	}
}

func TestShutdown_AbortsAssociations(t *testing.T) {
	f := start(t, scp.Config{}, nil)
	ctx := context.Background()

	assoc := f.client()
	if err := assoc.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.server.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	select {
	case err := <-f.serveErr:
		if !errors.Is(err, scp.ErrServerClosed) {
			t.Fatalf("Serve() error = %v, want ErrServerClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	if err := assoc.CEcho(ctx); err == nil {
		t.Fatal("CEcho() succeeded after shutdown")
	}
	if n := f.server.ActiveSessions(); n != 0 {
		t.Fatalf("ActiveSessions() = %d after shutdown", n)
	}
}

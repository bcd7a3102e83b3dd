package connector

import (
	"context"
	"testing"

	"jobhub/internal/jobmodel"
)

type fakeConnector struct {
	id           string
	serviceType  string
	initErr      error
	initCalled   bool
	cleanupErr   error
	cleanupCalls int
	healthy      bool
}

func (f *fakeConnector) ID() string                          { return f.id }
func (f *fakeConnector) ServiceType() string                 { return f.serviceType }
func (f *fakeConnector) Protocol() jobmodel.ConnectorProtocol { return jobmodel.ProtocolRESTSync }
func (f *fakeConnector) Initialize(ctx context.Context) error {
	f.initCalled = true
	return f.initErr
}
func (f *fakeConnector) Cleanup(ctx context.Context) error {
	f.cleanupCalls++
	return f.cleanupErr
}
func (f *fakeConnector) CheckHealth(ctx context.Context) bool            { return f.healthy }
func (f *fakeConnector) GetAvailableModels(ctx context.Context) []string { return nil }
func (f *fakeConnector) CanProcessJob(job *jobmodel.Job) bool            { return true }
func (f *fakeConnector) ProcessJob(ctx context.Context, job *jobmodel.Job, progress ProgressCallback) ([]byte, error) {
	return nil, nil
}
func (f *fakeConnector) CancelJob(ctx context.Context, jobID string) error { return nil }
func (f *fakeConnector) Status() jobmodel.ConnectorRecord {
	return jobmodel.ConnectorRecord{ID: f.id, ServiceType: f.serviceType}
}

func TestManagerResolveExactMatch(t *testing.T) {
	m := NewManager(nil)
	c := &fakeConnector{id: "c1", serviceType: "image-gen"}
	m.Register(c)

	got, ok := m.Resolve("image-gen")
	if !ok || got != c {
		t.Fatalf("expected exact-match resolve to return registered connector")
	}
}

func TestManagerResolveFallsBackToSimulation(t *testing.T) {
	m := NewManager(nil)
	sim := &fakeConnector{id: "sim", serviceType: "simulation"}
	m.Register(sim)

	for _, serviceType := range []string{"image-gen-sim", "SIM", "my-sim-service"} {
		got, ok := m.Resolve(serviceType)
		if !ok || got != sim {
			t.Fatalf("expected %q to resolve to simulation fallback", serviceType)
		}
	}
}

func TestManagerResolveNoMatchNoFallback(t *testing.T) {
	m := NewManager(nil)
	m.Register(&fakeConnector{id: "c1", serviceType: "image-gen"})

	_, ok := m.Resolve("video-gen")
	if ok {
		t.Fatal("expected no match for unregistered, non-sim service type")
	}
}

func TestManagerInitializeAllReplacesFailedConnectorWithStub(t *testing.T) {
	m := NewManager(nil)
	ok := &fakeConnector{id: "ok", serviceType: "image-gen"}
	bad := &fakeConnector{id: "bad", serviceType: "video-gen", initErr: errTest("boom")}
	m.Register(ok)
	m.Register(bad)

	m.InitializeAll(context.Background())

	if !ok.initCalled {
		t.Fatal("expected ok connector to be initialized")
	}

	resolved, found := m.Resolve("video-gen")
	if !found {
		t.Fatal("expected stub to still be resolvable under its service type")
	}
	if resolved.CheckHealth(context.Background()) {
		t.Fatal("expected stub connector to report unhealthy")
	}
	if _, err := resolved.ProcessJob(context.Background(), &jobmodel.Job{}, nil); err == nil {
		t.Fatal("expected stub connector to refuse every job")
	}

	stillOK, found := m.Resolve("image-gen")
	if !found || stillOK != ok {
		t.Fatal("expected healthy connector to remain registered as itself")
	}
}

func TestManagerAdvertisedServicesIncludesStubs(t *testing.T) {
	m := NewManager(nil)
	m.Register(&fakeConnector{id: "bad", serviceType: "video-gen", initErr: errTest("boom")})
	m.InitializeAll(context.Background())

	services := m.AdvertisedServices()
	if len(services) != 1 || services[0] != "video-gen" {
		t.Fatalf("expected advertised services to still list video-gen, got %v", services)
	}
}

func TestManagerAggregateHealth(t *testing.T) {
	m := NewManager(nil)
	m.Register(&fakeConnector{id: "c1", serviceType: "image-gen", healthy: true})
	m.Register(&fakeConnector{id: "c2", serviceType: "video-gen", healthy: false})

	health := m.AggregateHealth(context.Background())
	if !health["image-gen"] || health["video-gen"] {
		t.Fatalf("unexpected aggregate health: %+v", health)
	}
}

func TestManagerCleanupAllCollectsErrors(t *testing.T) {
	m := NewManager(nil)
	m.Register(&fakeConnector{id: "c1", serviceType: "image-gen"})
	m.Register(&fakeConnector{id: "c2", serviceType: "video-gen", cleanupErr: errTest("cleanup failed")})

	err := m.CleanupAll(context.Background())
	if err == nil {
		t.Fatal("expected cleanup error to propagate")
	}
}

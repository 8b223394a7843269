package ingress_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/flowengine/internal/domain"
	"github.com/ocx/flowengine/internal/ingress"
	"github.com/ocx/flowengine/internal/lifecycle"
	"github.com/ocx/flowengine/internal/queue"
)

type fakeDeployNotifier struct {
	events []*lifecycle.Event
}

func (f *fakeDeployNotifier) Publish(evt *lifecycle.Event) {
	f.events = append(f.events, evt)
}

type fakeVersionStore struct {
	flows    map[string]*domain.Flow
	versions map[string]*domain.FlowVersion
	byFlow   map[string][]string // flowID -> ordered version ids
}

func newFakeVersionStore() *fakeVersionStore {
	return &fakeVersionStore{
		flows:    map[string]*domain.Flow{},
		versions: map[string]*domain.FlowVersion{},
		byFlow:   map[string][]string{},
	}
}

func (f *fakeVersionStore) SaveFlow(ctx context.Context, flow *domain.Flow) error {
	f.flows[flow.ID] = flow
	return nil
}

func (f *fakeVersionStore) SaveFlowVersion(ctx context.Context, fv *domain.FlowVersion) error {
	f.versions[fv.ID] = fv
	f.byFlow[fv.FlowID] = append(f.byFlow[fv.FlowID], fv.ID)
	return nil
}

func (f *fakeVersionStore) ListFlowVersions(ctx context.Context, flowID string) ([]*domain.FlowVersion, error) {
	var out []*domain.FlowVersion
	for _, id := range f.byFlow[flowID] {
		out = append(out, f.versions[id])
	}
	return out, nil
}

func (f *fakeVersionStore) GetFlowVersion(ctx context.Context, versionID string) (*domain.FlowVersion, error) {
	fv, ok := f.versions[versionID]
	if !ok {
		return nil, assert.AnError
	}
	return fv, nil
}

func (f *fakeVersionStore) UpdateFlowVersionStatus(ctx context.Context, versionID string, status domain.VersionStatus, actor string, at time.Time) error {
	fv, ok := f.versions[versionID]
	if !ok {
		return assert.AnError
	}
	fv.Status = status
	switch status {
	case domain.VersionStatusApproved:
		fv.ApprovedBy = actor
		approvedAt := at
		fv.ApprovedAt = &approvedAt
	case domain.VersionStatusDeployed:
		deployedAt := at
		fv.DeployedAt = &deployedAt
	}
	return nil
}

func newTestDispatcher(vs *fakeVersionStore, flows *fakeFlowResolver) *ingress.Dispatcher {
	return &ingress.Dispatcher{
		Flows:    flows,
		Policies: &fakePolicyResolver{},
		Queue:    queue.NewMemoryQueue(8),
		Versions: vs,
	}
}

func TestHandleCreateVersionStartsFirstVersionAtOneZeroZero(t *testing.T) {
	vs := newFakeVersionStore()
	d := newTestDispatcher(vs, &fakeFlowResolver{flows: map[string]*domain.Flow{}})

	body := `{"nodes":{"trig":{"id":"trig","type":"trigger.manual"}},"edges":[]}`
	req := httptest.NewRequest(http.MethodPost, "/api/flows/flow-1/versions", strings.NewReader(body))
	rr := httptest.NewRecorder()
	d.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var fv domain.FlowVersion
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fv))
	assert.Equal(t, domain.VersionStatusDraft, fv.Status)
	assert.Equal(t, 1, fv.Version.Major)
	assert.Equal(t, 0, fv.Version.Patch)
}

func TestHandleApproveThenDeployVersionPromotesFlow(t *testing.T) {
	vs := newFakeVersionStore()
	flow := &domain.Flow{ID: "flow-1", Nodes: map[string]domain.Node{"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger}}}
	flows := &fakeFlowResolver{flows: map[string]*domain.Flow{"flow-1": flow}}
	d := newTestDispatcher(vs, flows)
	notifier := &fakeDeployNotifier{}
	d.Deploys = notifier

	fv := &domain.FlowVersion{
		ID: "v1", FlowID: "flow-1", Version: domain.Version{Major: 1, Patch: 1},
		Status: domain.VersionStatusDraft,
		Nodes:  map[string]domain.Node{"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger}, "log": {ID: "log", Type: domain.NodeTypeEgressLog}},
	}
	require.NoError(t, vs.SaveFlowVersion(context.Background(), fv))

	approveReq := httptest.NewRequest(http.MethodPost, "/api/flows/versions/v1/approve", strings.NewReader(`{"approvedBy":"alice"}`))
	approveRR := httptest.NewRecorder()
	d.Router().ServeHTTP(approveRR, approveReq)
	require.Equal(t, http.StatusOK, approveRR.Code)
	assert.Equal(t, domain.VersionStatusApproved, vs.versions["v1"].Status)
	assert.Equal(t, "alice", vs.versions["v1"].ApprovedBy)

	deployReq := httptest.NewRequest(http.MethodPost, "/api/flows/versions/v1/deploy", nil)
	deployRR := httptest.NewRecorder()
	d.Router().ServeHTTP(deployRR, deployReq)
	require.Equal(t, http.StatusOK, deployRR.Code)

	assert.Equal(t, domain.VersionStatusDeployed, vs.versions["v1"].Status)
	promoted := flows.flows["flow-1"]
	assert.True(t, promoted.Enabled)
	assert.Contains(t, promoted.Nodes, "log")

	require.Len(t, notifier.events, 2)
	assert.Equal(t, string(domain.VersionStatusApproved), notifier.events[0].Status)
	assert.Equal(t, "alice", notifier.events[0].Actor)
	assert.Equal(t, string(domain.VersionStatusDeployed), notifier.events[1].Status)
	assert.Equal(t, "flow-1", notifier.events[1].FlowID)
}

func TestHandleDeployVersionRejectsUnapprovedVersion(t *testing.T) {
	vs := newFakeVersionStore()
	flow := &domain.Flow{ID: "flow-1"}
	d := newTestDispatcher(vs, &fakeFlowResolver{flows: map[string]*domain.Flow{"flow-1": flow}})

	fv := &domain.FlowVersion{ID: "v1", FlowID: "flow-1", Status: domain.VersionStatusDraft}
	require.NoError(t, vs.SaveFlowVersion(context.Background(), fv))

	req := httptest.NewRequest(http.MethodPost, "/api/flows/versions/v1/deploy", nil)
	rr := httptest.NewRecorder()
	d.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestHandleRollbackRedeploysPriorDeployedVersion(t *testing.T) {
	vs := newFakeVersionStore()
	flow := &domain.Flow{ID: "flow-1"}
	flows := &fakeFlowResolver{flows: map[string]*domain.Flow{"flow-1": flow}}
	d := newTestDispatcher(vs, flows)

	older := &domain.FlowVersion{
		ID: "v1", FlowID: "flow-1", Version: domain.Version{Major: 1},
		Status: domain.VersionStatusDeployed,
		Nodes:  map[string]domain.Node{"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger}},
	}
	newer := &domain.FlowVersion{
		ID: "v2", FlowID: "flow-1", Version: domain.Version{Major: 1, Patch: 1},
		Status: domain.VersionStatusDeployed,
		Nodes:  map[string]domain.Node{"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger}, "bad": {ID: "bad", Type: domain.NodeTypeEgressLog}},
	}
	require.NoError(t, vs.SaveFlowVersion(context.Background(), older))
	require.NoError(t, vs.SaveFlowVersion(context.Background(), newer))

	req := httptest.NewRequest(http.MethodPost, "/api/flows/flow-1/rollback", nil)
	rr := httptest.NewRecorder()
	d.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	promoted := flows.flows["flow-1"]
	assert.NotContains(t, promoted.Nodes, "bad")
}

func TestHandleImportCreatesFlowAndDraftVersion(t *testing.T) {
	vs := newFakeVersionStore()
	d := newTestDispatcher(vs, &fakeFlowResolver{flows: map[string]*domain.Flow{}})

	body := `{"name":"orders sync","nodes":{"trig":{"id":"trig","type":"trigger.manual"}},"edges":[]}`
	req := httptest.NewRequest(http.MethodPost, "/api/flows/import", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	d.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var flow domain.Flow
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &flow))
	assert.Equal(t, "orders sync", flow.Name)
	assert.NotEmpty(t, flow.ID)
	assert.Len(t, vs.byFlow[flow.ID], 1)
}

func TestHandleImportRejectsFlowWithoutTrigger(t *testing.T) {
	vs := newFakeVersionStore()
	d := newTestDispatcher(vs, &fakeFlowResolver{flows: map[string]*domain.Flow{}})

	body := `{"name":"no trigger","nodes":{"log":{"id":"log","type":"emitter.log"}},"edges":[]}`
	req := httptest.NewRequest(http.MethodPost, "/api/flows/import", strings.NewReader(body))
	rr := httptest.NewRecorder()
	d.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestHandleExportReturnsFlowDocument(t *testing.T) {
	vs := newFakeVersionStore()
	flow := &domain.Flow{ID: "flow-1", Name: "orders sync", Nodes: map[string]domain.Node{"trig": {ID: "trig", Type: domain.NodeTypeManualTrigger}}}
	d := newTestDispatcher(vs, &fakeFlowResolver{flows: map[string]*domain.Flow{"flow-1": flow}})

	req := httptest.NewRequest(http.MethodGet, "/api/flows/flow-1/export", nil)
	rr := httptest.NewRecorder()
	d.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "orders sync")
}

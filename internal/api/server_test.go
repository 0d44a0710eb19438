package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/config"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/decision"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/engine"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/model"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/monitor"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

type mockItemStore struct {
	items     map[uint]*model.Item
	nextID    uint
	saveErr   error
	saveCalls int
	logs      []model.DecisionLog
}

func newMockItemStore(items ...model.Item) *mockItemStore {
	m := &mockItemStore{items: map[uint]*model.Item{}, nextID: 100}
	for i := range items {
		it := items[i]
		m.items[it.ID] = &it
	}
	return m
}

func (m *mockItemStore) ListItems(ctx context.Context) ([]model.Item, error) {
	out := []model.Item{}
	for _, it := range m.items {
		out = append(out, *it)
	}
	return out, nil
}

func (m *mockItemStore) ListItemsByUser(ctx context.Context, userID string) ([]model.Item, error) {
	var out []model.Item
	for _, it := range m.items {
		if it.UserID == userID {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (m *mockItemStore) GetItem(ctx context.Context, id uint) (*model.Item, error) {
	it, ok := m.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (m *mockItemStore) CreateItem(ctx context.Context, item *model.Item) error {
	item.ID = m.nextID
	m.nextID++
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *mockItemStore) SaveItem(ctx context.Context, item *model.Item) error {
	m.saveCalls++
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *mockItemStore) ListTransitionLogs(ctx context.Context, itemID uint, limit int) ([]model.DecisionLog, error) {
	var out []model.DecisionLog
	for _, l := range m.logs {
		if l.ItemID == itemID && len(out) < limit {
			out = append(out, l)
		}
	}
	return out, nil
}

type mockConfigStore struct {
	settings    *model.Settings
	rules       []model.FeeRule
	saveCalls   int
	upsertCalls int
}

func (m *mockConfigStore) GetSettings(ctx context.Context) (model.Settings, error) {
	if m.settings == nil {
		return model.Settings{}, store.ErrNotFound
	}
	return *m.settings, nil
}

func (m *mockConfigStore) SaveSettings(ctx context.Context, st *model.Settings) error {
	m.saveCalls++
	cp := *st
	m.settings = &cp
	return nil
}

func (m *mockConfigStore) ListRules(ctx context.Context) ([]model.FeeRule, error) {
	return m.rules, nil
}

func (m *mockConfigStore) UpsertRule(ctx context.Context, rule *model.FeeRule) error {
	m.upsertCalls++
	rule.Market, rule.Category = engine.Normalize(rule.Market, rule.Category)
	m.rules = append(m.rules, *rule)
	return nil
}

type mockSnapshots struct {
	snap          engine.Snapshot
	invalidations int
}

func (m *mockSnapshots) Load(ctx context.Context) engine.Snapshot { return m.snap }
func (m *mockSnapshots) Invalidate(ctx context.Context)           { m.invalidations++ }

type mockRecorder struct {
	transitions []decision.Transition
	err         error
}

func (m *mockRecorder) Record(ctx context.Context, t decision.Transition) error {
	if m.err != nil {
		return m.err
	}
	m.transitions = append(m.transitions, t)
	return nil
}

type mockStatus struct {
	state  monitor.State
	report *monitor.SweepReport
}

func (m mockStatus) State() monitor.State { return m.state }
func (m mockStatus) LastReport() (monitor.SweepReport, bool) {
	if m.report == nil {
		return monitor.SweepReport{}, false
	}
	return *m.report, true
}

type mockPinger struct{ err error }

func (m mockPinger) Ping(ctx context.Context) error { return m.err }

const testSecret = "test-secret"

type fixture struct {
	s         *Server
	items     *mockItemStore
	configs   *mockConfigStore
	snapshots *mockSnapshots
	recorder  *mockRecorder
}

func newFixture(items ...model.Item) *fixture {
	gin.SetMode(gin.TestMode)
	f := &fixture{
		items:   newMockItemStore(items...),
		configs: &mockConfigStore{},
		snapshots: &mockSnapshots{snap: engine.Snapshot{
			Settings: engine.DefaultSettings(),
			Rules: engine.NewRuleSet([]engine.FeeRule{
				{Market: "kream", Category: "shoes", Rate: engine.Rate{Base: decimal.RequireFromString("0.10"), Category: decimal.RequireFromString("0.02")}},
			}),
		}},
		recorder: &mockRecorder{},
	}
	f.s = &Server{
		cfg:       &config.Config{Security: config.SecurityConfig{JWTSecret: testSecret}},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		router:    gin.New(),
		items:     f.items,
		configs:   f.configs,
		snapshots: f.snapshots,
		recorder:  f.recorder,
		status:    mockStatus{state: monitor.StateIdle},
		pinger:    mockPinger{},
	}
	f.s.registerRoutes()
	return f
}

func bearer(t *testing.T, subject, role string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": subject, "exp": time.Now().Add(time.Hour).Unix()}
	if role != "" {
		claims["role"] = role
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + token
}

func (f *fixture) do(method, path, auth string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		payload, _ := json.Marshal(b)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	f.s.router.ServeHTTP(w, req)
	return w
}

func sellItem(id uint, owner string) model.Item {
	it := model.Item{
		ID:          id,
		UserID:      owner,
		Name:        "jacket",
		SellPrice:   decimal.NewFromInt(10000),
		CostPrice:   decimal.NewFromInt(6000),
		ShippingFee: decimal.NewFromInt(1000),
	}
	it.Apply(engine.Revaluate(it.Input(), engine.Snapshot{Settings: engine.DefaultSettings()}))
	return it
}

func TestHealthz(t *testing.T) {
	f := newFixture()
	if w := f.do(http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	f.s.pinger = mockPinger{err: errors.New("db down")}
	if w := f.do(http.MethodGet, "/healthz", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestEvaluate(t *testing.T) {
	f := newFixture()
	w := f.do(http.MethodPost, "/evaluate", "", map[string]any{
		"market":       " KREAM ",
		"category":     "Shoes",
		"sell_price":   "10,000",
		"cost_price":   6000,
		"shipping_fee": nil,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp evaluateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RateTier != "exact" || resp.Market != "kream" || resp.Category != "shoes" {
		t.Fatalf("unexpected resolution %+v", resp)
	}
	// 0.10 + 0.02 + 0.01 -> 1300 commission, net 10000-6000-0-1300 = 2700
	if !resp.Derived.CommissionFee.Equal(decimal.NewFromInt(1300)) || !resp.Derived.NetProfit.Equal(decimal.NewFromInt(2700)) {
		t.Fatalf("unexpected derived %+v", resp.Derived)
	}
	if resp.Derived.Decision != engine.DecisionSell {
		t.Fatalf("expected SELL, got %s", resp.Derived.Decision)
	}

	if w := f.do(http.MethodPost, "/evaluate", "", "{"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", w.Code)
	}
}

func TestItemsRequireAuth(t *testing.T) {
	f := newFixture()
	if w := f.do(http.MethodGet, "/items", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestCreateItem(t *testing.T) {
	f := newFixture()
	w := f.do(http.MethodPost, "/items", bearer(t, "u-1", ""), map[string]any{
		"name":         "sneakers",
		"sell_price":   5000,
		"cost_price":   4800,
		"shipping_fee": 200,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := f.items.items[100]
	if created == nil || created.UserID != "u-1" {
		t.Fatalf("expected item stored for caller, got %+v", created)
	}
	if created.Decision != "STOP" || created.ReasonCode != "NEGATIVE_MARGIN" {
		t.Fatalf("expected STOP/NEGATIVE_MARGIN, got %s/%s", created.Decision, created.ReasonCode)
	}
	if !created.NetProfit.Equal(decimal.NewFromInt(-650)) {
		t.Fatalf("expected net -650, got %s", created.NetProfit)
	}
	if len(f.recorder.transitions) != 0 {
		t.Fatalf("expected no transition log on create")
	}
}

func TestCreateItemRoundsAmountsBeforeRevaluation(t *testing.T) {
	f := newFixture()
	w := f.do(http.MethodPost, "/items", bearer(t, "u-1", ""), map[string]any{
		"sell_price": "10000.555",
		"cost_price": "0.004",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := f.items.items[100]
	if !created.SellPrice.Equal(decimal.RequireFromString("10000.56")) || !created.CostPrice.IsZero() {
		t.Fatalf("expected amounts rounded to cents, got sell=%s cost=%s", created.SellPrice, created.CostPrice)
	}
	// commission trunc(10000.56 * 0.13) = 1300
	if !created.NetProfit.Equal(decimal.RequireFromString("8700.56")) {
		t.Fatalf("expected net 8700.56, got %s", created.NetProfit)
	}
}

func TestEvaluateHugeExponentIsZero(t *testing.T) {
	f := newFixture()
	w := f.do(http.MethodPost, "/evaluate", "", map[string]any{
		"sell_price": "1e1000000",
		"cost_price": "1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.Len() > 4096 {
		t.Fatalf("unexpected response size %d", w.Body.Len())
	}
}

func TestListItemsScopesByRole(t *testing.T) {
	f := newFixture(sellItem(1, "u-1"), sellItem(2, "u-2"))

	var mine []model.Item
	w := f.do(http.MethodGet, "/items", bearer(t, "u-1", ""), nil)
	if err := json.Unmarshal(w.Body.Bytes(), &mine); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != 1 {
		t.Fatalf("expected only own item, got %+v", mine)
	}

	var all []model.Item
	w = f.do(http.MethodGet, "/items", bearer(t, "ops", "admin"), nil)
	if err := json.Unmarshal(w.Body.Bytes(), &all); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected all items for admin, got %d", len(all))
	}

	w = f.do(http.MethodGet, "/items", bearer(t, "nobody", ""), nil)
	if w.Body.String() != "[]" {
		t.Fatalf("expected empty list, got %s", w.Body.String())
	}
}

func TestUpdateItemRecordsTransition(t *testing.T) {
	f := newFixture(sellItem(1, "u-1"))

	w := f.do(http.MethodPatch, "/items/1", bearer(t, "u-1", ""), map[string]any{"cost_price": 9000})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	stored := f.items.items[1]
	if stored.Decision != "STOP" || stored.Name != "jacket" {
		t.Fatalf("expected merged STOP item, got %+v", stored)
	}
	if len(f.recorder.transitions) != 1 {
		t.Fatalf("expected one transition, got %d", len(f.recorder.transitions))
	}
	tr := f.recorder.transitions[0]
	if tr.From != "SELL" || tr.Source != model.SourceEdit || tr.Derived.Decision != engine.DecisionStop {
		t.Fatalf("unexpected transition %+v", tr)
	}

	// 决策不变的编辑不写日志
	w = f.do(http.MethodPatch, "/items/1", bearer(t, "u-1", ""), map[string]any{"name": "coat"})
	if w.Code != http.StatusOK || len(f.recorder.transitions) != 1 {
		t.Fatalf("expected no new transition, code %d transitions %d", w.Code, len(f.recorder.transitions))
	}
}

func TestUpdateItemOwnership(t *testing.T) {
	f := newFixture(sellItem(1, "u-1"))

	if w := f.do(http.MethodPatch, "/items/1", bearer(t, "u-2", ""), map[string]any{"name": "x"}); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign item, got %d", w.Code)
	}
	if w := f.do(http.MethodPatch, "/items/1", bearer(t, "ops", "admin"), map[string]any{"name": "x"}); w.Code != http.StatusOK {
		t.Fatalf("expected admin to edit, got %d", w.Code)
	}
	if w := f.do(http.MethodPatch, "/items/abc", bearer(t, "u-1", ""), map[string]any{}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", w.Code)
	}
	if w := f.do(http.MethodPatch, "/items/9", bearer(t, "u-1", ""), map[string]any{}); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing item, got %d", w.Code)
	}
}

func TestUpdateItemSaveFailure(t *testing.T) {
	f := newFixture(sellItem(1, "u-1"))
	f.items.saveErr = errors.New("deadlock")

	w := f.do(http.MethodPatch, "/items/1", bearer(t, "u-1", ""), map[string]any{"cost_price": 9000})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if len(f.recorder.transitions) != 0 {
		t.Fatalf("expected no transition when save fails")
	}
}

func TestItemLogs(t *testing.T) {
	f := newFixture(sellItem(1, "u-1"))
	f.items.logs = []model.DecisionLog{
		{ID: 2, ItemID: 1, FromDecision: "HOLD", ToDecision: "SELL"},
		{ID: 1, ItemID: 1, FromDecision: "", ToDecision: "HOLD"},
	}
	var logs []model.DecisionLog
	w := f.do(http.MethodGet, "/items/1/logs?limit=1", bearer(t, "u-1", ""), nil)
	if err := json.Unmarshal(w.Body.Bytes(), &logs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(logs) != 1 || logs[0].ID != 2 {
		t.Fatalf("unexpected logs %+v", logs)
	}
}

func TestSettingsAdminOnly(t *testing.T) {
	f := newFixture()
	if w := f.do(http.MethodGet, "/settings", bearer(t, "u-1", ""), nil); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	w := f.do(http.MethodGet, "/settings", bearer(t, "ops", "admin"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp settingsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.IsDefault || resp.MinProfit != 500 {
		t.Fatalf("expected defaults, got %+v", resp)
	}
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture()
	admin := bearer(t, "ops", "admin")

	bad := []string{
		`{"min_profit": 0, "safety_buffer_rate": 0.01}`,
		`{"min_profit": 500, "safety_buffer_rate": 0.2}`,
		`{"min_profit": 500, "safety_buffer_rate": -0.01}`,
		`{"safety_buffer_rate": 0.01}`,
	}
	for _, body := range bad {
		if w := f.do(http.MethodPut, "/settings", admin, body); w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, w.Code)
		}
	}
	if f.configs.saveCalls != 0 || f.snapshots.invalidations != 0 {
		t.Fatalf("expected no writes for invalid settings")
	}

	w := f.do(http.MethodPut, "/settings", admin, `{"min_profit": 1000, "safety_buffer_rate": "0.02"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if f.configs.settings.MinProfit != 1000 || !f.configs.settings.SafetyBufferRate.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("unexpected stored settings %+v", f.configs.settings)
	}
	if f.snapshots.invalidations != 1 {
		t.Fatalf("expected snapshot invalidation")
	}
}

func TestUpsertFeeRule(t *testing.T) {
	f := newFixture()
	admin := bearer(t, "ops", "admin")

	if w := f.do(http.MethodPut, "/fee-rules", admin, `{"market": "kream", "base_rate": 1.2}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for rate >= 1, got %d", w.Code)
	}
	if w := f.do(http.MethodPut, "/fee-rules", admin, `{"market": "kream"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without base_rate, got %d", w.Code)
	}

	w := f.do(http.MethodPut, "/fee-rules", admin, `{"market": " KREAM ", "base_rate": "0.11"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(f.configs.rules) != 1 || f.configs.rules[0].Market != "kream" || f.configs.rules[0].Category != "unknown" {
		t.Fatalf("unexpected rules %+v", f.configs.rules)
	}
	if f.snapshots.invalidations != 1 {
		t.Fatalf("expected snapshot invalidation")
	}

	var rules []model.FeeRule
	w = f.do(http.MethodGet, "/fee-rules", admin, nil)
	if err := json.Unmarshal(w.Body.Bytes(), &rules); err != nil || len(rules) != 1 {
		t.Fatalf("expected one rule, got %s", w.Body.String())
	}
}

func TestMonitorStatus(t *testing.T) {
	f := newFixture()
	f.s.status = mockStatus{state: monitor.StateRunning, report: &monitor.SweepReport{Scanned: 4, Transitions: 1}}

	w := f.do(http.MethodGet, "/monitor", bearer(t, "ops", "admin"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp monitorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != "running" || resp.LastReport == nil || resp.LastReport.Scanned != 4 {
		t.Fatalf("unexpected status %+v", resp)
	}
}

func TestCloseWaitsForMonitor(t *testing.T) {
	done := make(chan struct{})
	s := &Server{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		monitorDone: done,
	}

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()

	select {
	case <-closed:
		t.Fatalf("close returned while monitor still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(done)
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("close did not return after monitor stopped")
	}
}

func TestWaitMonitorTimeout(t *testing.T) {
	s := &Server{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		monitorDone: make(chan struct{}),
	}
	if err := s.waitMonitor(10 * time.Millisecond); err == nil {
		t.Fatalf("expected timeout error")
	}
}

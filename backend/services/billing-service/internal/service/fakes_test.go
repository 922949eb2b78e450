package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"meterbill/backend/libs/decimal"
	"meterbill/backend/services/billing-service/internal/events"
	"meterbill/backend/services/billing-service/internal/locks"
	"meterbill/backend/services/billing-service/internal/models"
	"meterbill/backend/services/billing-service/internal/repository"
)

func day(s string) time.Time {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) decimal.Decimal {
	return decimal.MustParse(s)
}

type fakeTx struct {
	mu    sync.Mutex
	calls int
}

type txKey struct{}

func (f *fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return fn(context.WithValue(ctx, txKey{}, true))
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

type fakeMeters struct {
	mu     sync.Mutex
	meters map[string]*models.Meter
}

func newFakeMeters(meters ...models.Meter) *fakeMeters {
	f := &fakeMeters{meters: make(map[string]*models.Meter)}
	for i := range meters {
		f.add(meters[i])
	}
	return f
}

func (f *fakeMeters) add(m models.Meter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.Type == "" {
		m.Type = models.MeterTypeMeasurement
	}
	if m.CTMultiplierFactor.IsZero() {
		m.CTMultiplierFactor = decimal.FromInt64(1)
	}
	m.IsActive = true
	f.meters[m.ID] = &m
}

func (f *fakeMeters) areaOf(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.meters[id]; ok {
		return m.AreaID
	}
	return ""
}

func (f *fakeMeters) GetByID(_ context.Context, id string) (*models.Meter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meters[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMeters) List(_ context.Context, filter repository.MeterFilter) ([]models.Meter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Meter
	for _, m := range f.meters {
		if filter.AreaID != "" && m.AreaID != filter.AreaID {
			continue
		}
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		if filter.ActiveOnly && !m.IsActive {
			continue
		}
		if filter.DependsOnMeterID != "" && !dependsOn(m, filter.DependsOnMeterID) {
			continue
		}
		if r := filter.NotReadBetween; r != nil && m.Current != nil &&
			!m.Current.Date.Before(r.Start) && !m.Current.Date.After(r.End) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeterNumber < out[j].MeterNumber })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func dependsOn(m *models.Meter, id string) bool {
	for _, dep := range m.FormulaMeterIDs() {
		if dep == id {
			return true
		}
	}
	return false
}

func (f *fakeMeters) UpdateSnapshot(_ context.Context, meterID string, current, previous *models.ReadingSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meters[meterID]
	if !ok {
		return repository.ErrNotFound
	}
	m.Current, m.Previous = current, previous
	return nil
}

func (f *fakeMeters) UpdateLastBill(_ context.Context, meterID string, bill models.LastBill) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meters[meterID]
	if !ok {
		return repository.ErrNotFound
	}
	m.LastBill = &bill
	return nil
}

type fakeReadings struct {
	mu       sync.Mutex
	meters   *fakeMeters
	seq      int
	readings []*models.Reading
	updates  []models.ReadingUpdate
}

func newFakeReadings(meters *fakeMeters) *fakeReadings {
	return &fakeReadings{meters: meters}
}

var createdBase = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func (f *fakeReadings) Create(_ context.Context, r *models.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if r.ID == "" {
		r.ID = fmt.Sprintf("reading-%d", f.seq)
	}
	r.CreatedAt = createdBase.Add(time.Duration(f.seq) * time.Second)
	r.UpdatedAt = r.CreatedAt
	cp := *r
	f.readings = append(f.readings, &cp)
	return nil
}

func (f *fakeReadings) GetByID(_ context.Context, id string) (*models.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.readings {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeReadings) Update(_ context.Context, r *models.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.readings {
		if existing.ID == r.ID {
			cp := *r
			cp.CreatedAt = existing.CreatedAt
			f.readings[i] = &cp
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeReadings) CreateUpdateRecord(_ context.Context, u *models.ReadingUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, *u)
	return nil
}

func (f *fakeReadings) ListUpdates(_ context.Context, readingID string) ([]models.ReadingUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ReadingUpdate
	for _, u := range f.updates {
		if u.ReadingID == readingID {
			out = append(out, u)
		}
	}
	return out, nil
}

// timeline returns copies of a meter's readings ordered by (date, created).
func (f *fakeReadings) timeline(meterID string) []models.Reading {
	var out []models.Reading
	for _, r := range f.readings {
		if r.MeterID == meterID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReadingDate.Equal(out[j].ReadingDate) {
			return out[i].ReadingDate.Before(out[j].ReadingDate)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (f *fakeReadings) forMeter(meterID string) []models.Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timeline(meterID)
}

func (f *fakeReadings) Previous(_ context.Context, r *models.Reading) (*models.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := f.timeline(r.MeterID)
	for i, x := range line {
		if x.ID == r.ID && i > 0 {
			return &line[i-1], nil
		}
	}
	return nil, nil
}

func (f *fakeReadings) Next(_ context.Context, r *models.Reading) (*models.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := f.timeline(r.MeterID)
	for i, x := range line {
		if x.ID == r.ID && i < len(line)-1 {
			return &line[i+1], nil
		}
	}
	return nil, nil
}

func (f *fakeReadings) Latest(_ context.Context, meterID string, n int) ([]models.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := f.timeline(meterID)
	var out []models.Reading
	for i := len(line) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, line[i])
	}
	return out, nil
}

func (f *fakeReadings) List(ctx context.Context, filter repository.ReadingFilter) ([]models.Reading, error) {
	all, _ := f.Latest(ctx, filter.MeterID, 1<<30)
	var out []models.Reading
	for _, r := range all {
		if filter.From != nil && r.ReadingDate.Before(*filter.From) {
			continue
		}
		if filter.To != nil && r.ReadingDate.After(*filter.To) {
			continue
		}
		out = append(out, r)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeReadings) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.readings {
		if r.ID == id {
			f.readings = append(f.readings[:i], f.readings[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeReadings) DeleteByDateRange(_ context.Context, meterID string, start, end time.Time) ([]models.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []*models.Reading
	var deleted []models.Reading
	for _, r := range f.readings {
		if r.MeterID == meterID && !r.ReadingDate.Before(start) && !r.ReadingDate.After(end) {
			deleted = append(deleted, *r)
			continue
		}
		kept = append(kept, r)
	}
	f.readings = kept
	return deleted, nil
}

func (f *fakeReadings) TotalConsumptionForMeters(_ context.Context, meterIDs []string, start, end time.Time) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[string]bool)
	for _, id := range meterIDs {
		wanted[id] = true
	}
	totals := make(map[string]decimal.Decimal)
	for _, r := range f.readings {
		if !wanted[r.MeterID] || r.ReadingDate.Before(start) || r.ReadingDate.After(end) {
			continue
		}
		totals[r.MeterID] = totals[r.MeterID].Add(r.KwhConsumption)
	}
	return totals, nil
}

func (f *fakeReadings) Reprice(_ context.Context, filter repository.RepriceFilter, t *models.TariffSnapshot) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make(map[string]bool)
	for _, id := range filter.MeterIDs {
		ids[id] = true
	}
	var n int64
	for _, r := range f.readings {
		if len(ids) > 0 && !ids[r.MeterID] {
			continue
		}
		if len(ids) == 0 && f.meters.areaOf(r.MeterID) != filter.AreaID {
			continue
		}
		d := models.Day(r.ReadingDate)
		if d.Before(models.Day(filter.From)) || d.After(models.Day(filter.To)) {
			continue
		}
		if filter.SkipMeterOverrides && r.Tariff != nil && r.Tariff.Type == models.TariffTypeMeter {
			continue
		}
		r.ApplyTariff(t)
		n++
	}
	return n, nil
}

func (f *fakeReadings) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readings)
}

type fakeTariffs struct {
	mu       sync.Mutex
	seq      int
	versions []*models.TariffVersion
	locks    []scopeLock
	// coveringOutsideLock counts lookups not preceded by a lock of their scope in the same transaction
	coveringOutsideLock int
}

type scopeLock struct {
	scope     models.TariffType
	scopeID   string
	exclusive bool
	inTx      bool
}

func (f *fakeTariffs) LockScope(ctx context.Context, scope models.TariffType, scopeID string, exclusive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks = append(f.locks, scopeLock{scope: scope, scopeID: scopeID, exclusive: exclusive, inTx: inTx(ctx)})
	return nil
}

func (f *fakeTariffs) takenLocks() []scopeLock {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.locks
	f.locks = nil
	return out
}

func (f *fakeTariffs) seed(v models.TariffVersion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if v.ID == "" {
		v.ID = fmt.Sprintf("tariff-%d", f.seq)
	}
	f.versions = append(f.versions, &v)
}

func (f *fakeTariffs) Create(_ context.Context, t *models.TariffVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.versions {
		if v.Scope == t.Scope && v.ScopeID == t.ScopeID && v.EffectiveFrom.Equal(t.EffectiveFrom) {
			return repository.ErrDuplicate
		}
	}
	f.seq++
	t.ID = fmt.Sprintf("tariff-%d", f.seq)
	cp := *t
	f.versions = append(f.versions, &cp)
	return nil
}

func (f *fakeTariffs) scoped(scope models.TariffType, scopeID string) []models.TariffVersion {
	var out []models.TariffVersion
	for _, v := range f.versions {
		if v.Scope == scope && v.ScopeID == scopeID {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveFrom.After(out[j].EffectiveFrom) })
	return out
}

func (f *fakeTariffs) Latest(_ context.Context, scope models.TariffType, scopeID string) (*models.TariffVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	versions := f.scoped(scope, scopeID)
	if len(versions) == 0 {
		return nil, nil
	}
	return &versions[0], nil
}

func (f *fakeTariffs) Covering(ctx context.Context, scope models.TariffType, scopeID string, at time.Time) (*models.TariffVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.locks); !inTx(ctx) || n == 0 || f.locks[n-1].scope != scope || f.locks[n-1].scopeID != scopeID {
		f.coveringOutsideLock++
	}
	for _, v := range f.scoped(scope, scopeID) {
		if v.Covers(at) {
			v := v
			return &v, nil
		}
	}
	return nil, nil
}

func (f *fakeTariffs) UpdateEndDate(_ context.Context, scope models.TariffType, id string, end time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.versions {
		if v.ID == id && v.Scope == scope {
			v.EndDate = end
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeTariffs) List(_ context.Context, scope models.TariffType, scopeID string) ([]models.TariffVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scoped(scope, scopeID), nil
}

// fakeBilling mirrors the aggregation query over the fake reading store.
type fakeBilling struct {
	meters   *fakeMeters
	readings *fakeReadings
}

func (f *fakeBilling) scopeMeters(scope repository.BillingScope) []string {
	if len(scope.MeterIDs) > 0 {
		return scope.MeterIDs
	}
	meters, _ := f.meters.List(context.Background(), repository.MeterFilter{AreaID: scope.AreaID})
	ids := make([]string, 0, len(meters))
	for _, m := range meters {
		ids = append(ids, m.ID)
	}
	return ids
}

func (f *fakeBilling) Breakdowns(ctx context.Context, scope repository.BillingScope, start, end time.Time) ([]models.BillBreakdown, error) {
	var out []models.BillBreakdown
	for _, meterID := range f.scopeMeters(scope) {
		meter, err := f.meters.GetByID(ctx, meterID)
		if err != nil {
			return nil, err
		}
		anchorKwh := decimal.Zero
		var anchorDate *time.Time
		index := make(map[string]int)
		var segments []models.BillBreakdown
		for _, r := range f.readings.forMeter(meterID) {
			if r.ReadingDate.After(end) {
				break
			}
			if !r.ReadingDate.Before(start) {
				tariffID := ""
				if r.Tariff != nil {
					tariffID = r.Tariff.TariffID
				}
				i, ok := index[tariffID]
				if !ok {
					first := r.ReadingDate
					if anchorDate != nil {
						first = *anchorDate
					}
					segments = append(segments, models.BillBreakdown{
						MeterID:       meterID,
						MeterNumber:   meter.MeterNumber,
						AreaID:        meter.AreaID,
						AreaName:      meter.AreaName,
						Location:      meter.Location,
						TariffID:      tariffID,
						FirstReadDate: first,
						FirstReadKwh:  anchorKwh,
					})
					i = len(segments) - 1
					index[tariffID] = i
				}
				s := &segments[i]
				s.LastReadDate = r.ReadingDate
				s.LastReadKwh = r.KwhReading
				s.TotalConsumption = s.TotalConsumption.Add(r.KwhConsumption)
				s.TotalAmount = s.TotalAmount.Add(r.Amount.Decimal)
				if r.Tariff != nil {
					s.Tariff = s.Tariff.Max(r.Tariff.Tariff)
				}
			}
			anchorKwh = r.KwhReading
			d := r.ReadingDate
			anchorDate = &d
		}
		out = append(out, segments...)
	}
	return out, nil
}

func (f *fakeBilling) CountUnpriced(_ context.Context, scope repository.BillingScope, start, end time.Time) (int, error) {
	n := 0
	for _, meterID := range f.scopeMeters(scope) {
		for _, r := range f.readings.forMeter(meterID) {
			if !r.ReadingDate.Before(start) && !r.ReadingDate.After(end) && r.Tariff == nil {
				n++
			}
		}
	}
	return n, nil
}

type fakeBills struct {
	mu            sync.Mutex
	seq           int
	requests      map[string]*models.BillGenerationRequest
	order         []string
	bills         []models.Bill
	createBillErr error
}

func newFakeBills() *fakeBills {
	return &fakeBills{requests: make(map[string]*models.BillGenerationRequest)}
}

func (f *fakeBills) CreateRequest(_ context.Context, req *models.BillGenerationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.requests {
		if existing.XRequestID == req.XRequestID {
			return repository.ErrDuplicate
		}
	}
	f.seq++
	req.ID = fmt.Sprintf("request-%d", f.seq)
	cp := *req
	f.requests[req.ID] = &cp
	f.order = append(f.order, req.ID)
	return nil
}

func (f *fakeBills) ListRequests(_ context.Context, filter repository.RequestFilter) ([]models.BillGenerationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.BillGenerationRequest
	for i := len(f.order) - 1; i >= 0; i-- {
		req := f.requests[f.order[i]]
		if filter.RequestedByUserID != "" && req.RequestedByUserID != filter.RequestedByUserID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, *req)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeBills) GetRequest(_ context.Context, id string) (*models.BillGenerationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (f *fakeBills) GetRequestByXRequestID(_ context.Context, xRequestID string) (*models.BillGenerationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.requests {
		if req.XRequestID == xRequestID {
			cp := *req
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeBills) ClaimRequest(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok || req.Status != models.RequestPending {
		return false, nil
	}
	req.Status = models.RequestProcessing
	return true, nil
}

func (f *fakeBills) FinishRequest(_ context.Context, id string, status models.RequestStatus, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return repository.ErrNotFound
	}
	now := time.Now()
	req.Status, req.Note, req.CompletedDate = status, note, &now
	return nil
}

func (f *fakeBills) CreateBill(_ context.Context, bill *models.Bill) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createBillErr != nil {
		return f.createBillErr
	}
	f.seq++
	bill.ID = fmt.Sprintf("bill-%d", f.seq)
	f.bills = append(f.bills, *bill)
	return nil
}

func (f *fakeBills) ListBills(_ context.Context, requestID string) ([]models.Bill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Bill
	for _, b := range f.bills {
		if b.RequestID == requestID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBills) GetBill(_ context.Context, id string) (*models.Bill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bills {
		if b.ID == id {
			cp := b
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeBills) request(id string) models.BillGenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.requests[id]
}

type fakeSequencer struct {
	mu      sync.Mutex
	last    map[string]int
	txCalls int
}

func (f *fakeSequencer) Next(ctx context.Context, d time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inTx(ctx) {
		f.txCalls++
	}
	if f.last == nil {
		f.last = make(map[string]int)
	}
	key := models.Day(d).Format(dateLayout)
	f.last[key]++
	return f.last[key], nil
}

type fakeDirectory struct {
	customersByMeter map[string][]models.BillRecipient
	leadersByArea    map[string][]models.BillRecipient
	customers        map[string]models.BillRecipient
	customerMeters   map[string][]string
	areas            map[string]string
}

func (f *fakeDirectory) MeterCustomers(_ context.Context, meterID string) ([]models.BillRecipient, error) {
	return f.customersByMeter[meterID], nil
}

func (f *fakeDirectory) AreaLeaders(_ context.Context, areaID string) ([]models.BillRecipient, error) {
	return f.leadersByArea[areaID], nil
}

func (f *fakeDirectory) Customer(_ context.Context, id string) (*models.BillRecipient, error) {
	c, ok := f.customers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (f *fakeDirectory) CustomerMeterIDs(_ context.Context, id string) ([]string, error) {
	return f.customerMeters[id], nil
}

func (f *fakeDirectory) AreaName(_ context.Context, areaID string) (string, error) {
	name, ok := f.areas[areaID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return name, nil
}

type fakeFiles struct {
	mu    sync.Mutex
	seq   int
	files map[string][]byte
	types map[string]string
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{files: make(map[string][]byte), types: make(map[string]string)}
}

func (f *fakeFiles) Store(_ context.Context, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	ref := fmt.Sprintf("file-%d", f.seq)
	f.files[ref] = data
	f.types[ref] = contentType
	return ref, nil
}

func (f *fakeFiles) contentType(ref string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.types[ref]
}

func (f *fakeFiles) Delete(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, ref)
	return nil
}

func (f *fakeFiles) SignedURL(ref string) (string, error) {
	return "https://files.test/" + ref + "?sig=ok", nil
}

func (f *fakeFiles) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files)
}

type fakeRenderer struct {
	err         error
	panicWith   interface{}
	contentType string
	templates   []string
	txCalls     int
}

func (f *fakeRenderer) Render(ctx context.Context, template string, _ interface{}) ([]byte, string, error) {
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	if f.err != nil {
		return nil, "", f.err
	}
	if inTx(ctx) {
		f.txCalls++
	}
	f.templates = append(f.templates, template)
	if f.contentType != "" {
		return []byte(`{"template":"` + template + `"}`), f.contentType, nil
	}
	return []byte("%PDF-1.4 " + template), "application/pdf", nil
}

type fakeQueue struct {
	mu       sync.Mutex
	err      error
	payloads [][]byte
}

func (f *fakeQueue) Enqueue(_ context.Context, queue string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if queue != BillQueue {
		return errors.New("unexpected queue " + queue)
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) types() []events.Type {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Type, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.EventType())
	}
	return out
}

func (b *recordingBus) count(t events.Type) int {
	n := 0
	for _, got := range b.types() {
		if got == t {
			n++
		}
	}
	return n
}

type harness struct {
	meters    *fakeMeters
	readings  *fakeReadings
	tariffs   *fakeTariffs
	bills     *fakeBills
	sequencer *fakeSequencer
	directory *fakeDirectory
	files     *fakeFiles
	renderer  *fakeRenderer
	queue     *fakeQueue
	bus       *recordingBus
	tx        *fakeTx

	tariffSvc  *TariffService
	readingSvc *ReadingService
	derivedSvc *DerivedService
	billJob    *BillJob
}

var billingDay = time.Date(2024, time.July, 1, 9, 30, 0, 0, time.UTC)

func newHarness(t *testing.T, meters ...models.Meter) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{
		meters:    newFakeMeters(meters...),
		tariffs:   &fakeTariffs{},
		bills:     newFakeBills(),
		sequencer: &fakeSequencer{},
		directory: &fakeDirectory{
			customersByMeter: map[string][]models.BillRecipient{},
			leadersByArea:    map[string][]models.BillRecipient{},
			customers:        map[string]models.BillRecipient{},
			customerMeters:   map[string][]string{},
			areas:            map[string]string{"area-1": "North"},
		},
		files:    newFakeFiles(),
		renderer: &fakeRenderer{},
		queue:    &fakeQueue{},
		bus:      &recordingBus{},
		tx:       &fakeTx{},
	}
	h.readings = newFakeReadings(h.meters)
	locker := locks.NewKeyedMutex()

	h.tariffSvc = NewTariffService(h.tariffs, h.readings, h.meters, h.tx, h.bus, logger)
	h.derivedSvc = NewDerivedService(DerivedDeps{
		Meters:   h.meters,
		Readings: h.readings,
		Tariffs:  h.tariffSvc,
		Tx:       h.tx,
		Locker:   locker,
		Files:    h.files,
		Bus:      h.bus,
		Logger:   logger,
	})
	h.readingSvc = NewReadingService(ReadingDeps{
		Meters:   h.meters,
		Readings: h.readings,
		Tariffs:  h.tariffSvc,
		Tx:       h.tx,
		Locker:   locker,
		Files:    h.files,
		Bus:      h.bus,
		Derived:  h.derivedSvc,
		Logger:   logger,
	})
	h.billJob = NewBillJob(BillJobDeps{
		Requests:   h.bills,
		Meters:     h.meters,
		Aggregator: NewAggregator(&fakeBilling{meters: h.meters, readings: h.readings}),
		Directory:  h.directory,
		Invoices:   h.sequencer,
		Files:      h.files,
		Renderer:   h.renderer,
		Tx:         h.tx,
		Queue:      h.queue,
		Bus:        h.bus,
		Logger:     logger,
		Now:        func() time.Time { return billingDay },
	})
	t.Cleanup(h.derivedSvc.Wait)
	return h
}

func (h *harness) record(t *testing.T, meterID string, at time.Time, kwh string) *models.Reading {
	t.Helper()
	r, err := h.readingSvc.CreateReading(context.Background(), CreateReadingInput{
		MeterID:     meterID,
		ReadingDate: at,
		KwhReading:  dec(kwh),
	})
	if err != nil {
		t.Fatalf("record %s at %s: %v", kwh, at.Format(time.RFC3339), err)
	}
	h.derivedSvc.Wait()
	return r
}

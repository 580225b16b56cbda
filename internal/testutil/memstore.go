// Package testutil holds in-memory stand-ins for the Postgres repositories
// and the progress notifier.
package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/codemarcinu/new-egents/internal/database"
	"github.com/codemarcinu/new-egents/internal/models"
)

// MemStore implements the receipt, catalog, inventory and job stores in
// memory with the same contracts as the database package.
type MemStore struct {
	mu sync.Mutex

	Now func() time.Time

	nextID     int64
	receipts   map[int64]*models.Receipt
	lineItems  map[int64][]models.LineItem
	steps      map[int64][]models.ProcessingStep
	products   map[int64]*models.Product
	categories map[string]*models.Category
	inventory  map[int64]*models.InventoryItem
	history    []models.InventoryHistoryEntry
	jobs       map[string]*models.Job

	// FailStock makes ApplyStockChange fail for the listed products
	FailStock map[int64]error
}

func NewMemStore() *MemStore {
	return &MemStore{
		Now:        time.Now,
		receipts:   make(map[int64]*models.Receipt),
		lineItems:  make(map[int64][]models.LineItem),
		steps:      make(map[int64][]models.ProcessingStep),
		products:   make(map[int64]*models.Product),
		categories: make(map[string]*models.Category),
		inventory:  make(map[int64]*models.InventoryItem),
		jobs:       make(map[string]*models.Job),
		FailStock:  make(map[int64]error),
	}
}

func (s *MemStore) id() int64 {
	s.nextID++
	return s.nextID
}

// Receipts

func (s *MemStore) CreateReceipt(_ context.Context, req *models.CreateReceiptRequest) (*models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	r := &models.Receipt{
		ID:             s.id(),
		S3Bucket:       req.S3Bucket,
		S3Key:          req.S3Key,
		ContentType:    req.ContentType,
		FileSizeBytes:  req.FileSizeBytes,
		UploadedBy:     req.UploadedBy,
		Currency:       req.Currency,
		Status:         models.ReceiptStatusPending,
		ProcessingStep: models.StepUploaded,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.OriginalFilename != "" {
		name := req.OriginalFilename
		r.OriginalFilename = &name
	}
	if r.Currency == "" {
		r.Currency = "PLN"
	}
	s.receipts[r.ID] = r
	s.steps[r.ID] = []models.ProcessingStep{models.StepUploaded}
	cp := *r
	return &cp, nil
}

func (s *MemStore) GetReceipt(_ context.Context, id int64) (*models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[id]
	if !ok {
		return nil, database.ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) GetReceiptWithItems(ctx context.Context, id int64) (*models.ReceiptWithItems, error) {
	r, err := s.GetReceipt(ctx, id)
	if err != nil {
		return nil, err
	}
	items, _ := s.GetLineItems(ctx, id)
	return &models.ReceiptWithItems{Receipt: *r, Items: items}, nil
}

func (s *MemStore) ListReceipts(_ context.Context, params *models.ReceiptListParams) ([]models.Receipt, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []models.Receipt
	for _, r := range s.receipts {
		if params.Status != nil && *params.Status != "" && r.Status != *params.Status {
			continue
		}
		all = append(all, *r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := len(all)
	if params.Offset >= len(all) {
		return []models.Receipt{}, total, nil
	}
	all = all[params.Offset:]
	if params.Limit > 0 && len(all) > params.Limit {
		all = all[:params.Limit]
	}
	return all, total, nil
}

func (s *MemStore) setStep(r *models.Receipt, step models.ProcessingStep) {
	r.ProcessingStep = step
	r.UpdatedAt = s.Now()
	s.steps[r.ID] = append(s.steps[r.ID], step)
}

func (s *MemStore) UpdateReceiptProgress(_ context.Context, id int64, status models.ReceiptStatus, step models.ProcessingStep, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[id]
	if !ok {
		return database.ErrReceiptNotFound
	}
	r.Status = status
	r.ErrorMessage = errMsg
	if status == models.ReceiptStatusCompleted || status == models.ReceiptStatusReviewPending || status == models.ReceiptStatusError {
		now := s.Now()
		r.ProcessedAt = &now
	}
	if r.ProcessingStep != step {
		s.setStep(r, step)
	}
	return nil
}

func (s *MemStore) SaveOCRResult(_ context.Context, id int64, cp models.OCRCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[id]
	if !ok {
		return database.ErrReceiptNotFound
	}
	text, backend, confidence := cp.Text, cp.Backend, cp.Confidence
	r.RawOCRText, r.OCRBackend, r.OCRConfidence = &text, &backend, &confidence
	r.ImageDegraded = cp.Degraded
	s.setStep(r, models.StepOCRCompleted)
	return nil
}

func (s *MemStore) SaveParsedReceipt(_ context.Context, id int64, parsed *models.ParsedReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[id]
	if !ok {
		return database.ErrReceiptNotFound
	}
	r.ExtractedData = parsed
	r.StoreName = parsed.StoreName
	r.PurchasedAt = parsed.PurchaseDate
	r.TotalAmount = parsed.Total
	if parsed.Currency != "" {
		r.Currency = parsed.Currency
	}
	s.setStep(r, models.StepParsingCompleted)
	return nil
}

func (s *MemStore) ReplaceLineItems(_ context.Context, receiptID int64, reqs []models.CreateLineItemRequest) ([]models.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[receiptID]
	if !ok {
		return nil, database.ErrReceiptNotFound
	}
	for _, req := range reqs {
		if a := req.Alias; a != nil {
			if _, ok := s.products[a.ProductID]; !ok {
				return nil, database.ErrProductNotFound
			}
		}
	}
	items := make([]models.LineItem, 0, len(reqs))
	for _, req := range reqs {
		if a := req.Alias; a != nil {
			s.recordAlias(s.products[a.ProductID], a.Name, a.NormalizedName, a.SeenAt)
		}
		productID, confidence, matchType := req.ProductID, req.MatchConfidence, req.MatchType
		items = append(items, models.LineItem{
			ID:              s.id(),
			ReceiptID:       receiptID,
			LineNumber:      req.LineNumber,
			ProductName:     req.ProductName,
			Quantity:        req.Quantity,
			UnitPrice:       req.UnitPrice,
			LineTotal:       req.LineTotal,
			ProductID:       &productID,
			MatchConfidence: &confidence,
			MatchType:       &matchType,
			CreatedAt:       s.Now(),
		})
	}
	s.lineItems[receiptID] = items
	s.setStep(r, models.StepMatchingCompleted)
	out := make([]models.LineItem, len(items))
	copy(out, items)
	return out, nil
}

func (s *MemStore) GetLineItems(_ context.Context, receiptID int64) ([]models.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.LineItem, len(s.lineItems[receiptID]))
	copy(out, s.lineItems[receiptID])
	return out, nil
}

func (s *MemStore) RequestCancel(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[id]
	if !ok {
		return database.ErrReceiptNotFound
	}
	r.CancelRequested = true
	return nil
}

func (s *MemStore) DeleteReceipt(_ context.Context, id int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[id]
	if !ok {
		return "", database.ErrReceiptNotFound
	}
	delete(s.receipts, id)
	delete(s.lineItems, id)
	for i := range s.history {
		if s.history[i].SourceReceiptID != nil && *s.history[i].SourceReceiptID == id {
			s.history[i].SourceReceiptID = nil
			s.history[i].SourceLineItemID = nil
		}
	}
	for _, j := range s.jobs {
		if j.ReceiptID == id && j.State.Active() {
			j.State = models.JobStateCancelled
		}
	}
	return r.S3Key, nil
}

// Steps returns every processing step the receipt was written at, in order.
func (s *MemStore) Steps(id int64) []models.ProcessingStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ProcessingStep, len(s.steps[id]))
	copy(out, s.steps[id])
	return out
}

// Catalog

// SeedProduct adds a product; aliases maps each verified spelling to its
// normalised key.
func (s *MemStore) SeedProduct(name, normalized string, active bool, aliases map[string]string) *models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	p := &models.Product{
		ID:             s.id(),
		Name:           name,
		NormalizedName: normalized,
		IsActive:       active,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for alias, key := range aliases {
		p.Aliases = append(p.Aliases, models.ProductAlias{
			ID:                 s.id(),
			ProductID:          p.ID,
			Name:               alias,
			NormalizedName:     key,
			OccurrenceCount:    1,
			FirstSeen:          now,
			LastSeen:           now,
			VerificationStatus: models.AliasStatusVerified,
		})
	}
	s.products[p.ID] = p
	cp := *p
	return &cp
}

func (s *MemStore) Product(id int64) *models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil
	}
	cp := *p
	cp.Aliases = append([]models.ProductAlias(nil), p.Aliases...)
	return &cp
}

func (s *MemStore) FindActiveProductByName(_ context.Context, name string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Product
	for _, p := range s.products {
		if p.IsActive && p.Name == name && (best == nil || p.ID < best.ID) {
			best = p
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *MemStore) FindProductByAlias(_ context.Context, normalized string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type hit struct {
		p *models.Product
		a models.ProductAlias
	}
	var hits []hit
	for _, p := range s.products {
		for _, a := range p.Aliases {
			if a.NormalizedName == normalized && a.VerificationStatus != models.AliasStatusRejected && a.OccurrenceCount > 0 {
				hits = append(hits, hit{p: p, a: a})
			}
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		av, bv := a.a.VerificationStatus == models.AliasStatusVerified, b.a.VerificationStatus == models.AliasStatusVerified
		if av != bv {
			return av
		}
		if a.a.OccurrenceCount != b.a.OccurrenceCount {
			return a.a.OccurrenceCount > b.a.OccurrenceCount
		}
		if !a.a.LastSeen.Equal(b.a.LastSeen) {
			return a.a.LastSeen.After(b.a.LastSeen)
		}
		return a.p.ID < b.p.ID
	})
	cp := *hits[0].p
	return &cp, nil
}

func (s *MemStore) RecordAliasOccurrence(_ context.Context, productID int64, alias, normalized string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return database.ErrProductNotFound
	}
	s.recordAlias(p, alias, normalized, seenAt)
	return nil
}

func (s *MemStore) recordAlias(p *models.Product, alias, normalized string, seenAt time.Time) {
	for i := range p.Aliases {
		a := &p.Aliases[i]
		if a.NormalizedName == normalized {
			a.OccurrenceCount++
			if seenAt.After(a.LastSeen) {
				a.LastSeen = seenAt
			}
			return
		}
	}
	p.Aliases = append(p.Aliases, models.ProductAlias{
		ID:                 s.id(),
		ProductID:          p.ID,
		Name:               alias,
		NormalizedName:     normalized,
		OccurrenceCount:    1,
		FirstSeen:          seenAt,
		LastSeen:           seenAt,
		VerificationStatus: models.AliasStatusUnverified,
	})
}

func hasAlias(p *models.Product, normalized string) bool {
	for _, a := range p.Aliases {
		if a.NormalizedName == normalized {
			return true
		}
	}
	return false
}

func (s *MemStore) ListMatchCandidates(_ context.Context) ([]models.MatchCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MatchCandidate
	for _, p := range s.products {
		if p.IsActive {
			out = append(out, models.MatchCandidate{ProductID: p.ID, Name: p.Name, NormalizedName: p.NormalizedName, UpdatedAt: p.UpdatedAt})
		}
	}
	return out, nil
}

func (s *MemStore) CreateProduct(_ context.Context, req *models.CreateProductRequest) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seenAt := req.SeenAt
	if seenAt.IsZero() {
		seenAt = s.Now()
	}

	var p *models.Product
	for _, existing := range s.products {
		if existing.NormalizedName == req.NormalizedName && existing.IsActive == req.IsActive {
			p = existing
			break
		}
	}
	if p == nil {
		now := s.Now()
		p = &models.Product{
			ID:             s.id(),
			Name:           req.Name,
			NormalizedName: req.NormalizedName,
			Brand:          req.Brand,
			Barcode:        req.Barcode,
			CategoryID:     req.CategoryID,
			IsActive:       req.IsActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		for _, c := range s.categories {
			if req.CategoryID != nil && c.ID == *req.CategoryID {
				name := c.Name
				p.CategoryName = &name
			}
		}
		s.products[p.ID] = p
	}
	if req.InitialAlias != nil && *req.InitialAlias != "" && !hasAlias(p, req.NormalizedName) {
		s.recordAlias(p, *req.InitialAlias, req.NormalizedName, seenAt)
		p.Aliases[len(p.Aliases)-1].OccurrenceCount = 0
	}
	cp := *p
	cp.Aliases = append([]models.ProductAlias(nil), p.Aliases...)
	return &cp, nil
}

func (s *MemStore) EnsureCategory(_ context.Context, name string) (*models.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.categories[name]
	if !ok {
		c = &models.Category{ID: s.id(), Name: name}
		s.categories[name] = c
	}
	cp := *c
	return &cp, nil
}

func (s *MemStore) ListCategories(_ context.Context) ([]models.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Category{}
	for _, c := range s.categories {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemStore) GetProduct(_ context.Context, id int64) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, database.ErrProductNotFound
	}
	cp := *p
	cp.Aliases = append([]models.ProductAlias{}, p.Aliases...)
	return &cp, nil
}

func (s *MemStore) ListAliases(_ context.Context, productID int64) ([]models.ProductAlias, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return []models.ProductAlias{}, nil
	}
	return append([]models.ProductAlias{}, p.Aliases...), nil
}

func (s *MemStore) ListProducts(_ context.Context, placeholdersOnly bool, limit, offset int) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := []models.Product{}
	for _, p := range s.products {
		if placeholdersOnly && p.IsActive {
			continue
		}
		cp := *p
		cp.Aliases = nil
		all = append(all, cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].ID < all[j].ID
	})
	if offset >= len(all) {
		return []models.Product{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemStore) ActivateProduct(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return database.ErrProductNotFound
	}
	for _, other := range s.products {
		if other.ID != p.ID && other.IsActive && other.NormalizedName == p.NormalizedName {
			return database.ErrProductConflict
		}
	}
	p.IsActive = true
	p.UpdatedAt = s.Now()
	return nil
}

func (s *MemStore) SetAliasStatus(_ context.Context, productID int64, normalized string, status models.AliasStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return database.ErrProductNotFound
	}
	for i := range p.Aliases {
		if p.Aliases[i].NormalizedName == normalized {
			p.Aliases[i].VerificationStatus = status
			return nil
		}
	}
	return database.ErrProductNotFound
}

// Inventory

func (s *MemStore) ApplyStockChange(_ context.Context, change models.StockChange) (*models.StockChangeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.FailStock[change.ProductID]; ok {
		return nil, err
	}
	if _, ok := s.products[change.ProductID]; !ok {
		return nil, database.ErrProductNotFound
	}

	if change.SourceReceiptID != nil && change.SourceLineItemID != nil {
		for _, e := range s.history {
			if e.SourceReceiptID != nil && e.SourceLineItemID != nil &&
				*e.SourceReceiptID == *change.SourceReceiptID && *e.SourceLineItemID == *change.SourceLineItemID {
				entry := e
				return &models.StockChangeResult{Entry: &entry, AlreadyApplied: true}, nil
			}
		}
	}

	item, ok := s.inventory[change.ProductID]
	if !ok {
		item = &models.InventoryItem{ID: s.id(), ProductID: change.ProductID, Quantity: decimal.Zero, Unit: "szt"}
	}
	delta, resulting, note, err := database.ResolveStockChange(item.Quantity, change)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	item.Quantity = resulting
	item.UpdatedAt = now
	if change.ChangeType == models.ChangeTypePurchase {
		item.LastRestocked = &now
	}
	s.inventory[change.ProductID] = item

	entry := models.InventoryHistoryEntry{
		ID:                s.id(),
		ProductID:         change.ProductID,
		ChangeType:        change.ChangeType,
		QuantityDelta:     delta,
		ResultingQuantity: resulting,
		SourceReceiptID:   change.SourceReceiptID,
		SourceLineItemID:  change.SourceLineItemID,
		Note:              note,
		CreatedAt:         now,
	}
	s.history = append(s.history, entry)
	return &models.StockChangeResult{Entry: &entry}, nil
}

// Quantity returns the on-hand quantity of a product, zero when unstocked.
func (s *MemStore) Quantity(productID int64) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.inventory[productID]; ok {
		return item.Quantity
	}
	return decimal.Zero
}

func (s *MemStore) inventoryRows(filter func(*models.InventoryItem) bool) []models.InventoryItemWithProduct {
	out := []models.InventoryItemWithProduct{}
	for _, item := range s.inventory {
		if filter != nil && !filter(item) {
			continue
		}
		p := s.products[item.ProductID]
		row := models.InventoryItemWithProduct{InventoryItem: *item}
		if p != nil {
			row.ProductName = p.Name
			row.CategoryName = p.CategoryName
			row.IsActive = p.IsActive
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductName != out[j].ProductName {
			return out[i].ProductName < out[j].ProductName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemStore) ListInventory(_ context.Context) ([]models.InventoryItemWithProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inventoryRows(nil), nil
}

func (s *MemStore) ListLowStock(_ context.Context, threshold decimal.Decimal) ([]models.InventoryItemWithProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inventoryRows(func(item *models.InventoryItem) bool {
		return item.Quantity.LessThanOrEqual(threshold)
	}), nil
}

func (s *MemStore) GetInventorySummary(_ context.Context, lowStockThreshold decimal.Decimal) (*models.InventorySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := &models.InventorySummary{TotalQuantity: decimal.Zero}
	for _, item := range s.inventory {
		sum.TotalProducts++
		sum.TotalQuantity = sum.TotalQuantity.Add(item.Quantity)
		switch {
		case item.Quantity.IsZero():
			sum.OutOfStockCount++
		case item.Quantity.LessThanOrEqual(lowStockThreshold):
			sum.LowStockCount++
		}
		if p := s.products[item.ProductID]; p != nil && !p.IsActive {
			sum.PlaceholderRefs++
		}
	}
	return sum, nil
}

func (s *MemStore) ListInventoryHistory(_ context.Context, productID int64, limit int) ([]models.InventoryHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.InventoryHistoryEntry{}
	for i := len(s.history) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.history[i].ProductID == productID {
			out = append(out, s.history[i])
		}
	}
	return out, nil
}

// History returns every history entry in insertion order.
func (s *MemStore) History() []models.InventoryHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.InventoryHistoryEntry(nil), s.history...)
}

// Jobs

func (s *MemStore) CreateJob(_ context.Context, id string, receiptID int64, maxAttempts int) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[receiptID]
	if !ok {
		return nil, database.ErrReceiptNotFound
	}
	for _, j := range s.jobs {
		if j.ReceiptID == receiptID && j.State.Active() {
			return nil, database.ErrJobActive
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := s.Now()
	j := &models.Job{
		ID:          id,
		ReceiptID:   receiptID,
		State:       models.JobStateQueued,
		MaxAttempts: maxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[id] = j

	r.TaskID = &id
	r.CancelRequested = false
	if r.Status != models.ReceiptStatusProcessing {
		r.Status = models.ReceiptStatusPending
		r.ErrorMessage = nil
	}
	r.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (s *MemStore) ClaimDueJob(_ context.Context) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	var due *models.Job
	for _, j := range s.jobs {
		if j.State != models.JobStateQueued && j.State != models.JobStateRetrying {
			continue
		}
		if j.Attempt >= j.MaxAttempts {
			continue
		}
		if j.RunAt.After(now) {
			continue
		}
		if due == nil || j.RunAt.Before(due.RunAt) || (j.RunAt.Equal(due.RunAt) && j.CreatedAt.Before(due.CreatedAt)) {
			due = j
		}
	}
	if due == nil {
		return nil, nil
	}
	due.State = models.JobStateRunning
	due.Attempt++
	due.StartedAt = &now
	due.UpdatedAt = now
	cp := *due
	return &cp, nil
}

func (s *MemStore) job(id string) (*models.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, database.ErrJobNotFound
	}
	return j, nil
}

// Job returns a copy of a job
func (s *MemStore) Job(id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return nil, err
	}
	cp := *j
	return &cp, nil
}

func (s *MemStore) GetActiveJob(_ context.Context, receiptID int64) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ReceiptID == receiptID && j.State.Active() {
			cp := *j
			return &cp, nil
		}
	}
	return nil, database.ErrJobNotFound
}

func (s *MemStore) FinishJob(_ context.Context, id string, state models.JobState, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return err
	}
	now := s.Now()
	j.State = state
	if lastError != nil {
		j.LastError = lastError
	}
	j.FinishedAt = &now
	return nil
}

func (s *MemStore) ScheduleRetry(_ context.Context, id string, runAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return err
	}
	j.State = models.JobStateRetrying
	j.RunAt = runAt
	j.LastError = &lastError
	return nil
}

func (s *MemStore) DeferJob(_ context.Context, id string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return err
	}
	if j.State != models.JobStateRunning {
		return database.ErrJobNotFound
	}
	j.State = models.JobStateRetrying
	if j.Attempt > 0 {
		j.Attempt--
	}
	j.RunAt = runAt
	return nil
}

func (s *MemStore) CancelQueuedJob(_ context.Context, receiptID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelled := false
	for _, j := range s.jobs {
		if j.ReceiptID == receiptID && (j.State == models.JobStateQueued || j.State == models.JobStateRetrying) {
			now := s.Now()
			j.State = models.JobStateCancelled
			j.FinishedAt = &now
			cancelled = true
		}
	}
	return cancelled, nil
}

func (s *MemStore) stale(j *models.Job, startedBefore time.Time) bool {
	return j.State == models.JobStateRunning && j.StartedAt != nil && j.StartedAt.Before(startedBefore)
}

func (s *MemStore) RequeueStaleJobs(_ context.Context, startedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if s.stale(j, startedBefore) && j.Attempt < j.MaxAttempts {
			msg := "worker lost"
			j.State = models.JobStateRetrying
			j.RunAt = s.Now()
			j.LastError = &msg
			n++
		}
	}
	return n, nil
}

func (s *MemStore) FailStaleJobs(_ context.Context, startedBefore time.Time) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Job{}
	for _, j := range s.jobs {
		if s.stale(j, startedBefore) && j.Attempt >= j.MaxAttempts {
			now := s.Now()
			msg := "worker lost on final attempt"
			j.State = models.JobStateFailed
			j.LastError = &msg
			j.FinishedAt = &now
			out = append(out, *j)
		}
	}
	return out, nil
}

// RecordingNotifier keeps every published event.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []models.ProgressEvent
	Err    error
}

func (n *RecordingNotifier) Publish(_ context.Context, ev models.ProgressEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.Err
}

func (n *RecordingNotifier) Events() []models.ProgressEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.ProgressEvent(nil), n.events...)
}

// ErrInjected is a generic storage failure for tests.
var ErrInjected = errors.New("injected storage failure")

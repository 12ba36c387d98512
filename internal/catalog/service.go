package catalog

import (
	"context"
	"net/url"
	"strings"

	"github.com/ariefcatur/agri-market/internal/actor"
	"github.com/ariefcatur/agri-market/internal/apperr"
	"github.com/ariefcatur/agri-market/internal/retry"
	"github.com/shopspring/decimal"
)

// Input is the mutable part of an item as supplied by a seller.
type Input struct {
	Name         string
	Description  string
	Manufacturer string
	Type         Type
	Price        decimal.Decimal
	Quantity     int
	Status       Status
	Images       []string
}

func (in Input) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return apperr.Invalid("name", "required")
	}
	if strings.TrimSpace(in.Description) == "" {
		return apperr.Invalid("description", "required")
	}
	if _, ok := validTypes[in.Type]; !ok {
		return apperr.Invalid("type", "must be one of Seed, Pesticide, Fertilizer, Tool, Other")
	}
	if in.Price.IsNegative() {
		return apperr.Invalid("price", "must not be negative")
	}
	if in.Quantity < 0 {
		return apperr.Invalid("quantity", "must not be negative")
	}
	if in.Status != "" {
		if _, ok := validStatuses[in.Status]; !ok {
			return apperr.Invalid("status", "must be one of Available, Out of Stock, Discontinued")
		}
	}
	if len(in.Images) > MaxImages {
		return apperr.Invalid("images", "at most 5 images")
	}
	for _, img := range in.Images {
		if u, err := url.Parse(img); err != nil || u.Scheme == "" {
			return apperr.Invalid("images", "must be absolute URIs")
		}
	}
	return nil
}

// Service enforces validation and ownership on top of a Store.
type Service struct {
	store  Store
	policy retry.Policy
}

func NewService(store Store, policy retry.Policy) *Service {
	return &Service{store: store, policy: policy}
}

func (s *Service) Get(ctx context.Context, id string) (Item, error) {
	return retry.Read(ctx, s.policy, "catalog.Get", func(ctx context.Context) (Item, error) {
		return s.store.Get(ctx, id)
	})
}

func (s *Service) List(ctx context.Context, onlyAvailable bool) ([]Item, error) {
	return retry.Read(ctx, s.policy, "catalog.List", func(ctx context.Context) ([]Item, error) {
		if onlyAvailable {
			return s.store.ListAvailable(ctx)
		}
		return s.store.List(ctx)
	})
}

func (s *Service) ListBySeller(ctx context.Context, sellerID string) ([]Item, error) {
	if sellerID == "" {
		return nil, apperr.Invalid("sellerId", "required")
	}
	return retry.Read(ctx, s.policy, "catalog.ListBySeller", func(ctx context.Context) ([]Item, error) {
		return s.store.ListBySeller(ctx, sellerID)
	})
}

func (s *Service) ListByType(ctx context.Context, raw string) ([]Item, error) {
	t, ok := ToType(raw)
	if !ok {
		return nil, apperr.Invalid("type", "unknown type "+raw)
	}
	return retry.Read(ctx, s.policy, "catalog.ListByType", func(ctx context.Context) ([]Item, error) {
		return s.store.ListByType(ctx, t)
	})
}

// Create lists a new item owned by the calling seller. Admins may create on
// behalf of sellerID.
func (s *Service) Create(ctx context.Context, a actor.Actor, sellerID string, in Input) (Item, error) {
	switch {
	case a.IsAdmin():
		if sellerID == "" {
			return Item{}, apperr.Invalid("sellerId", "required")
		}
	case a.Role == actor.RoleSeller:
		if sellerID != "" && sellerID != a.ID {
			return Item{}, apperr.Forbidden("sellers can only list their own inputs")
		}
		sellerID = a.ID
	default:
		return Item{}, apperr.Forbidden("only sellers can add agricultural inputs")
	}
	if err := in.Validate(); err != nil {
		return Item{}, err
	}

	item := Item{
		Name:         strings.TrimSpace(in.Name),
		Description:  in.Description,
		Manufacturer: in.Manufacturer,
		Type:         in.Type,
		Price:        in.Price,
		Quantity:     in.Quantity,
		SellerID:     sellerID,
		Status:       in.Status,
		Images:       in.Images,
	}
	if item.Status == "" {
		item.Status = StatusAvailable
	}
	return retry.Write(ctx, s.policy, "catalog.Create", func(ctx context.Context) (Item, error) {
		return s.store.Create(ctx, item)
	})
}

// Update replaces the mutable fields. SellerID never changes. Images are
// kept when the input carries none. The write is conditional on the version
// read here; if an order took or returned stock in between, the caller gets
// apperr.ErrConflict instead of silently restoring sold units.
func (s *Service) Update(ctx context.Context, a actor.Actor, id string, in Input) (Item, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return Item{}, err
	}
	if !a.Owns(cur.SellerID) {
		return Item{}, apperr.Forbidden("you can only update your own inputs")
	}
	if err := in.Validate(); err != nil {
		return Item{}, err
	}

	next := cur
	next.Name = strings.TrimSpace(in.Name)
	next.Description = in.Description
	next.Manufacturer = in.Manufacturer
	next.Type = in.Type
	next.Price = in.Price
	next.Quantity = in.Quantity
	if in.Status != "" {
		next.Status = in.Status
	} else {
		next.Status = statusAfterStockChange(cur.Status, next.Quantity)
	}
	if len(in.Images) > 0 {
		next.Images = in.Images
	}
	return retry.Write(ctx, s.policy, "catalog.Update", func(ctx context.Context) (Item, error) {
		return s.store.Update(ctx, cur, next)
	})
}

func (s *Service) Delete(ctx context.Context, a actor.Actor, id string) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !a.Owns(cur.SellerID) {
		return apperr.Forbidden("you can only delete your own inputs")
	}
	_, err = retry.Write(ctx, s.policy, "catalog.Delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.Delete(ctx, id)
	})
	return err
}

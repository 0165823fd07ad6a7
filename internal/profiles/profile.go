// Package profiles binds the single per-user Profile row to the reactive collection.
package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/MarcoPoloResearchLab/planner/internal/collection"
	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"github.com/MarcoPoloResearchLab/planner/internal/subscription"
	"go.uber.org/zap"
)

// Table holds profile rows; a profile's id equals its owner's id.
const Table = "profiles"

var (
	// ErrInvalidTimezone indicates a timezone unknown to the tz database.
	ErrInvalidTimezone = errors.New("profiles: invalid timezone")
	// ErrMalformedRow indicates a stored row whose id differs from its owner.
	ErrMalformedRow = errors.New("profiles: malformed row")
)

// Profile is the user's display settings.
type Profile struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Timezone    string `json:"timezone"`
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// Location resolves the profile timezone, falling back to UTC.
func (p Profile) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	location, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return location
}

type binding struct{}

// Entity is the collection binding of profiles.
var Entity collection.Entity[Profile] = binding{}

func (binding) Name() string                        { return Table }
func (binding) Table() string                       { return Table }
func (binding) Child() (collection.ChildSpec, bool) { return collection.ChildSpec{}, false }

func (binding) Decode(raw json.RawMessage) (Profile, error) {
	var profile Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	if profile.UserID == "" || (profile.ID != profile.UserID && !strings.HasPrefix(profile.ID, "tmp_")) {
		return Profile{}, fmt.Errorf("%w: id %q for owner %q", ErrMalformedRow, profile.ID, profile.UserID)
	}
	return profile, nil
}

func (binding) Attach(records []Profile, _ []json.RawMessage) ([]Profile, error) {
	return records, nil
}

func (binding) CarryChildren(_, to Profile) Profile { return to }
func (binding) ID(profile Profile) string           { return profile.ID }
func (binding) Owner(profile Profile) string        { return profile.UserID }

func (binding) Validate(fields map[string]any, _ bool) error {
	value, ok := fields["timezone"]
	if !ok || value == nil {
		return nil
	}
	zone, isText := value.(string)
	if !isText || strings.TrimSpace(zone) == "" {
		return fmt.Errorf("%w: %v", ErrInvalidTimezone, value)
	}
	if _, err := time.LoadLocation(zone); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimezone, zone)
	}
	return nil
}

// Patch lists the profile fields to change; nil fields stay as they are.
type Patch struct {
	DisplayName *string
	AvatarURL   *string
	Timezone    *string
}

func (p Patch) fields() map[string]any {
	fields := map[string]any{}
	if p.DisplayName != nil {
		fields["display_name"] = strings.TrimSpace(*p.DisplayName)
	}
	if p.AvatarURL != nil {
		fields["avatar_url"] = strings.TrimSpace(*p.AvatarURL)
	}
	if p.Timezone != nil {
		fields["timezone"] = strings.TrimSpace(*p.Timezone)
	}
	return fields
}

// Config describes the dependencies of a Directory.
type Config struct {
	Query         remote.Query
	Subscriptions *subscription.Registry
	LoadAttempts  int
	RetryBackoff  time.Duration
	Logger        *zap.Logger
}

// Directory holds the signed-in user's profile. Acknowledged writes patch the
// Snapshot without a reload.
type Directory struct {
	*collection.Collection[Profile]
}

// NewDirectory constructs an inactive directory.
func NewDirectory(cfg Config) (*Directory, error) {
	var manager *subscription.Manager
	if cfg.Subscriptions != nil {
		manager = cfg.Subscriptions.Manager(Table, Table)
	}
	inner, err := collection.New(collection.Config[Profile]{
		Entity:        Entity,
		Query:         cfg.Query,
		Subscriptions: manager,
		Strategy:      collection.StrategyPatch,
		LoadAttempts:  cfg.LoadAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Directory{Collection: inner}, nil
}

// Mine returns the loaded profile of the current owner.
func (d *Directory) Mine() (Profile, bool) {
	owner := d.State().Owner
	if owner == "" {
		return Profile{}, false
	}
	return d.Get(owner)
}

// Ensure returns the owner's profile, creating it with displayName when absent.
func (d *Directory) Ensure(ctx context.Context, displayName string) (Profile, error) {
	if profile, ok := d.Mine(); ok {
		return profile, nil
	}
	created, err := d.Create(ctx, collection.CreateRequest{Fields: map[string]any{"display_name": strings.TrimSpace(displayName)}})
	if err == nil {
		return created, nil
	}
	if remote.CodeOf(err) != remote.CodeConflict {
		return Profile{}, err
	}
	// Another client created it first.
	d.DismissError()
	if loadErr := d.Load(ctx); loadErr != nil {
		return Profile{}, loadErr
	}
	if profile, ok := d.Mine(); ok {
		return profile, nil
	}
	return Profile{}, err
}

// Save applies patch to the owner's profile.
func (d *Directory) Save(ctx context.Context, patch Patch) (Profile, error) {
	owner := d.State().Owner
	if owner == "" {
		return Profile{}, &collection.Error{Entity: Table, Op: "update", Kind: collection.ErrNotAuthenticated}
	}
	return d.Update(ctx, owner, collection.UpdateRequest{Fields: patch.fields()})
}

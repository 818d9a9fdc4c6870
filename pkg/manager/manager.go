package manager

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/AstrBotDevs/shipyard-neo/pkg/clock"
	"github.com/AstrBotDevs/shipyard-neo/pkg/config"
	"github.com/AstrBotDevs/shipyard-neo/pkg/driver"
	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
	"github.com/AstrBotDevs/shipyard-neo/pkg/locks"
	"github.com/AstrBotDevs/shipyard-neo/pkg/runtime"
	"github.com/AstrBotDevs/shipyard-neo/pkg/storage"
	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

// WarmPoolOwner marks sandboxes held by the warm pool before a claim rebinds
// them to a real owner.
const WarmPoolOwner = "system:warm-pool"

// Manager owns sandbox, session and workspace lifecycle. All mutating
// sandbox operations serialise on a per-sandbox mutex shared with the
// reconciler, so request handlers and background sweeps never race on the
// same sandbox.
type Manager struct {
	store  storage.Store
	driver driver.Driver
	pool   *runtime.Pool
	locks  *locks.Keyed
	clock  clock.Clock
	cfg    *config.Config
}

// New builds a Manager. The keyed lock set is shared with the reconciler.
func New(store storage.Store, drv driver.Driver, pool *runtime.Pool, keyed *locks.Keyed, clk clock.Clock, cfg *config.Config) *Manager {
	return &Manager{
		store:  store,
		driver: drv,
		pool:   pool,
		locks:  keyed,
		clock:  clk,
		cfg:    cfg,
	}
}

// Locks exposes the per-sandbox lock set for the reconciler.
func (m *Manager) Locks() *locks.Keyed { return m.locks }

// Store exposes the backing store for the reconciler and stats endpoints.
func (m *Manager) Store() storage.Store { return m.store }

// Driver exposes the container driver for the reconciler.
func (m *Manager) Driver() driver.Driver { return m.driver }

// Pool exposes the runtime client pool for the capability router.
func (m *Manager) Pool() *runtime.Pool { return m.pool }

// Profile resolves a profile id, or returns a validation error.
func (m *Manager) Profile(id string) (*config.Profile, error) {
	p := m.cfg.GetProfile(id)
	if p == nil {
		return nil, errdefs.Validation("unknown profile %q", id)
	}
	return p, nil
}

func newID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String())
}

// getOwned loads a live sandbox and enforces ownership. Deleted sandboxes
// and foreign owners both surface as not found.
func (m *Manager) getOwned(owner, id string) (*types.Sandbox, error) {
	sb, err := m.store.GetSandbox(id)
	if err != nil {
		return nil, err
	}
	if sb.DeletedAt != nil || sb.Owner != owner {
		return nil, errdefs.NotFound("sandbox", id)
	}
	return sb, nil
}

// requireLive rejects operations on an expired sandbox.
func (m *Manager) requireLive(sb *types.Sandbox) error {
	if sb.ExpiresAt != nil && !sb.ExpiresAt.After(m.clock.Now()) {
		return &errdefs.TTLError{SandboxID: sb.ID, Code: "sandbox_expired", ExpiresAt: sb.ExpiresAt}
	}
	return nil
}

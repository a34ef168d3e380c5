package authz

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Built-in role names. The rank order itself is configuration-loaded so a
// deployment can add roles without a rebuild; these constants exist for
// call sites and the default catalog.
const (
	RoleGuest      = "guest"
	RoleUser       = "user"
	RoleModerator  = "moderator"
	RoleManager    = "manager"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
	RoleOwner      = "owner" // tenant-local, above admin
)

// RoleSpec defines one role in the catalog file
type RoleSpec struct {
	Name        string   `yaml:"name"`
	Rank        int      `yaml:"rank"`
	Permissions []string `yaml:"permissions"`
}

// CatalogSpec is the on-disk shape of the permission catalog
type CatalogSpec struct {
	Roles []RoleSpec `yaml:"roles"`
}

// Catalog is the canonical registry of permission identifiers and
// role-to-permission defaults. Pure and I/O-free at check time; all
// validation happens at construction.
type Catalog struct {
	mu       sync.RWMutex
	ranks    map[string]int
	defaults map[string]PermissionSet // direct defaults per role, pre-inheritance
	known    PermissionSet
}

// NewCatalog builds and validates a catalog from a spec. Malformed
// permission identifiers, duplicate role names, and empty specs are
// rejected here rather than surfacing at request time.
func NewCatalog(spec CatalogSpec) (*Catalog, error) {
	if len(spec.Roles) == 0 {
		return nil, fmt.Errorf("catalog defines no roles")
	}

	c := &Catalog{
		ranks:    make(map[string]int, len(spec.Roles)),
		defaults: make(map[string]PermissionSet, len(spec.Roles)),
		known:    make(PermissionSet),
	}

	for _, role := range spec.Roles {
		if role.Name == "" {
			return nil, fmt.Errorf("catalog role with empty name")
		}
		if _, dup := c.ranks[role.Name]; dup {
			return nil, fmt.Errorf("duplicate role %q in catalog", role.Name)
		}
		if role.Rank < 0 {
			return nil, fmt.Errorf("role %q has negative rank %d", role.Name, role.Rank)
		}

		perms := make(PermissionSet, len(role.Permissions))
		for _, raw := range role.Permissions {
			p, err := ParsePermission(raw)
			if err != nil {
				return nil, fmt.Errorf("role %q: %w", role.Name, err)
			}
			perms.Add(p)
			c.known.Add(p)
		}

		c.ranks[role.Name] = role.Rank
		c.defaults[role.Name] = perms
	}

	return c, nil
}

// LoadCatalogFile reads and validates a YAML catalog file
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var spec CatalogSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}

	return NewCatalog(spec)
}

// RoleRank returns the rank of a role, or -1 for unknown roles
func (c *Catalog) RoleRank(role string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if rank, ok := c.ranks[role]; ok {
		return rank
	}
	return -1
}

// KnownRole reports whether the role exists in the catalog
func (c *Catalog) KnownRole(role string) bool {
	return c.RoleRank(role) >= 0
}

// KnownPermission reports whether the permission is registered by any role
func (c *Catalog) KnownPermission(p Permission) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.known.Contains(p)
}

// ExpandRole returns the union of the role's default permissions and the
// defaults of every lower-ranked role: a role at rank n implicitly holds
// everything granted below it.
func (c *Catalog) ExpandRole(role string) PermissionSet {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rank, ok := c.ranks[role]
	if !ok {
		return NewPermissionSet()
	}

	out := make(PermissionSet)
	for name, r := range c.ranks {
		if r <= rank {
			out.Union(c.defaults[name])
		}
	}
	return out
}

// HasPermission is a pure set check: does the effective set satisfy the
// required permission, honoring scope breadth (all covers organization
// covers own). No I/O, no errors.
func (c *Catalog) HasPermission(effective PermissionSet, required Permission) bool {
	_, ok := effective.Satisfier(required)
	return ok
}

// Roles returns all role names sorted by rank then name
func (c *Catalog) Roles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.ranks))
	for name := range c.ranks {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		if c.ranks[out[i]] != c.ranks[out[j]] {
			return c.ranks[out[i]] < c.ranks[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// replace swaps the catalog contents in place, used by the file watcher
func (c *Catalog) replace(next *Catalog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ranks = next.ranks
	c.defaults = next.defaults
	c.known = next.known
}

// Watch reloads the catalog when its file changes. Invalid edits are
// logged and skipped; the last good catalog stays in effect. Returns a
// stop function.
func (c *Catalog) Watch(path string, log *logrus.Logger) (func(), error) {
	if log == nil {
		log = logrus.New()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog watcher: %w", err)
	}

	// Watch the directory: editors replace files, which drops the watch
	// on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch catalog directory: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				next, err := LoadCatalogFile(path)
				if err != nil {
					log.Warnf("Ignoring catalog reload from %s: %v", path, err)
					continue
				}
				c.replace(next)
				log.Infof("Reloaded permission catalog from %s (%d roles)", path, len(next.ranks))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("Catalog watcher error: %v", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

// DefaultCatalog returns the built-in role hierarchy and defaults used
// when no catalog file is configured and by tests.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(CatalogSpec{Roles: []RoleSpec{
		{
			Name: RoleGuest,
			Rank: 0,
			Permissions: []string{
				"contract:read:own",
			},
		},
		{
			Name: RoleUser,
			Rank: 1,
			Permissions: []string{
				"attendance:read:own",
				"attendance:record:own",
				"document:read:own",
				"payslip:read:own",
			},
		},
		{
			Name: RoleModerator,
			Rank: 2,
			Permissions: []string{
				"contract:read:organization",
				"document:read:organization",
			},
		},
		{
			Name: RoleManager,
			Rank: 3,
			Permissions: []string{
				"contract:create:organization",
				"contract:update:own",
				"attendance:read:organization",
				"document:upload:organization",
				"member:invite:organization",
			},
		},
		{
			Name: RoleAdmin,
			Rank: 4,
			Permissions: []string{
				"contract:update:organization",
				"contract:delete:organization",
				"payroll:run:organization",
				"member:remove:organization",
				"company:manage:organization",
			},
		},
		{
			Name: RoleOwner,
			Rank: 5,
			Permissions: []string{
				"company:transfer:organization",
				"subscription:manage:organization",
			},
		},
		{
			Name: RoleSuperAdmin,
			Rank: 6,
			Permissions: []string{
				"company:manage:all",
				"contract:read:all",
				"contract:update:all",
				"contract:delete:all",
			},
		},
	}})
	if err != nil {
		// The built-in spec is static; a failure here is a programming error.
		panic(err)
	}
	return c
}

package mockbackend

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/domain"
)

// Development fixtures. Every seeded account uses DevPassword.
const (
	DevPassword    = "password123"
	DevTenantID    = "dev-tenant-001"
	OtherTenantID  = "dev-tenant-002"
	DevAdminEmail  = "dev@example.com"
	DevStaffEmail  = "staff@example.com"
	DevViewerEmail = "viewer@example.com"
	OtherEmail     = "other@example.com"
)

var seedUsers = []User{
	{ID: "dev-user-001", Email: DevAdminEmail, FullName: "Dev Admin", TenantID: DevTenantID, Role: RoleAdmin},
	{ID: "dev-user-002", Email: DevStaffEmail, FullName: "Night Nurse", TenantID: DevTenantID, Role: RoleStaff},
	{ID: "dev-user-003", Email: DevViewerEmail, FullName: "Family Viewer", TenantID: DevTenantID, Role: RoleViewer},
	{ID: "dev-user-004", Email: OtherEmail, FullName: "Other Tenant", TenantID: OtherTenantID, Role: RoleAdmin},
}

var seedRooms = []domain.Location{
	{Client: "Résidence Les Tilleuls", Building: "Bâtiment A", Floor: "1er étage", Room: "Chambre 104"},
	{Client: "Résidence Les Tilleuls", Building: "Bâtiment A", Floor: "2e étage", Room: "Chambre 211"},
	{Client: "Résidence Les Tilleuls", Building: "Bâtiment B", Floor: "RDC", Room: "Salle commune"},
}

var seedDevices = []domain.DeviceRef{
	{Name: "Radar 104", Serial: "OG-RDR-0104"},
	{Name: "Radar 211", Serial: "OG-RDR-0211"},
	{Name: "Radar SC", Serial: "OG-RDR-0900"},
}

// Seed adds the development accounts and a handful of alerts in each status.
// It fails if any seeded email is already registered.
func (b *Backend) Seed() error {
	for _, u := range seedUsers {
		if err := b.AddUser(u, DevPassword); err != nil {
			return fmt.Errorf("seed user %s: %w", u.Email, err)
		}
	}
	now := b.nowF().UTC()
	fixtures := []struct {
		tenant string
		alert  domain.Alert
	}{
		{DevTenantID, domain.Alert{ID: "evt-0001", Type: domain.TypeFall, Status: domain.StatusNew, OccurredAt: now.Add(-2 * time.Minute), Location: seedRooms[0], Device: seedDevices[0]}},
		{DevTenantID, domain.Alert{ID: "evt-0002", Type: domain.TypePreFall, Status: domain.StatusNew, OccurredAt: now.Add(-9 * time.Minute), Location: seedRooms[1], Device: seedDevices[1]}},
		{DevTenantID, domain.Alert{ID: "evt-0003", Type: domain.TypeFall, Status: domain.StatusAck, OccurredAt: now.Add(-45 * time.Minute), Location: seedRooms[2], Device: seedDevices[2]}},
		{DevTenantID, domain.Alert{ID: "evt-0004", Type: domain.TypeFall, Status: domain.StatusResolved, OccurredAt: now.Add(-3 * time.Hour), Location: seedRooms[0], Device: seedDevices[0]}},
		{DevTenantID, domain.Alert{ID: "evt-0005", Type: domain.TypePreFall, Status: domain.StatusFalseAlarm, OccurredAt: now.Add(-26 * time.Hour), Location: seedRooms[1], Device: seedDevices[1]}},
		{OtherTenantID, domain.Alert{ID: "evt-9001", Type: domain.TypeFall, Status: domain.StatusNew, OccurredAt: now.Add(-5 * time.Minute), Location: domain.Location{Client: "Autre résidence", Room: "12"}}},
	}
	for _, f := range fixtures {
		if _, err := b.RaiseAlert(f.tenant, f.alert); err != nil {
			return fmt.Errorf("seed alert %s: %w", f.alert.ID, err)
		}
	}
	return nil
}

// SimulateDetections raises a random alert for tenantID every interval until ctx is done.
func (b *Backend) SimulateDetections(ctx context.Context, tenantID string, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			typ := domain.TypeFall
			if rand.IntN(3) == 0 {
				typ = domain.TypePreFall
			}
			i := rand.IntN(len(seedRooms))
			a, err := b.RaiseAlert(tenantID, domain.Alert{Type: typ, Location: seedRooms[i], Device: seedDevices[i]})
			if err != nil {
				b.logger.Error("mockbackend: simulate detection", "error", err)
				continue
			}
			b.logger.Info("mockbackend: detection raised", "event_id", a.ID, "type", string(a.Type), "tenant_id", tenantID)
		}
	}
}

package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const locationFileName = "client_location.json"

// locationEnvelope is the on-disk shape of the client's last reported
// placement, stamped the same way service snapshots are so readers can
// apply the availability window.
type locationEnvelope struct {
	Region      string `json:"region"`
	Zone        string `json:"zone"`
	Campus      string `json:"campus"`
	SyncTimeUTC int64  `json:"sync_time_utc"`
}

// SaveLocation writes the control-plane-reported client placement next
// to the service snapshots, atomically.
func (s *Store) SaveLocation(region, zone, campus string) error {
	body, err := json.Marshal(locationEnvelope{
		Region:      region,
		Zone:        zone,
		Campus:      campus,
		SyncTimeUTC: time.Now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("persist: marshal location: %w", err)
	}
	return s.writeAtomic(filepath.Join(s.cfg.Dir, locationFileName), body)
}

// LoadLocation reads the persisted client placement, subject to the
// same availability window as service snapshots. A missing, corrupt, or
// too-stale file reports ok=false rather than an error.
func (s *Store) LoadLocation() (region, zone, campus string, ok bool) {
	body, err := os.ReadFile(filepath.Join(s.cfg.Dir, locationFileName))
	if err != nil {
		return "", "", "", false
	}
	var env locationEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.logger.Debug("persist: corrupt location file ignored", "error", err)
		return "", "", "", false
	}
	if time.Since(time.Unix(0, env.SyncTimeUTC)) > s.cfg.AvailableTime {
		return "", "", "", false
	}
	return env.Region, env.Zone, env.Campus, true
}

package db

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/schollz/logger"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrConflict is returned when a transactional update still fails after the
// retry budget is spent. Workers log it and try again on a later pass.
var ErrConflict = errors.New("transaction retry budget exhausted")

const (
	txRetries    = 3
	txRetryPause = 5 * time.Millisecond
)

// Store wraps the gorm handle with the checking state machine and the
// assignment bookkeeping shared by all workers.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, errors.Errorf("unknown db driver %q", driver)
	}
	gormDb, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := gormDb.AutoMigrate(&Credential{}, &Port{}); err != nil {
		return nil, errors.Wrap(err, "migrate schema")
	}
	return &Store{db: gormDb}, nil
}

// NewStore wraps an already opened gorm handle. Used by tests.
func NewStore(gormDb *gorm.DB) *Store {
	return &Store{db: gormDb}
}

// errLostClaim signals that another worker claimed the row between the
// selection and the conditional flag flip. The whole selection is retried.
var errLostClaim = errors.New("claim taken by a concurrent worker")

// retryableTxError reports whether a failed transaction is worth retrying.
// Only contention errors qualify; anything else (constraint violations,
// connection loss) is surfaced to the caller untouched.
func retryableTxError(err error) bool {
	if errors.Is(err, errLostClaim) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"database is locked",
		"database table is locked",
		"deadlock",
		"could not serialize",
		"serialization failure",
		"lock wait timeout",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// withRetry runs fn in a transaction, retrying contention errors a bounded
// number of times; after the budget the last error is surfaced under
// ErrConflict. Non-contention errors are returned as-is on first failure.
func (s *Store) withRetry(fn func(tx *gorm.DB) error) error {
	var err error
	for i := 0; i < txRetries; i++ {
		if err = s.db.Transaction(fn); err == nil {
			return nil
		}
		if !retryableTxError(err) {
			return err
		}
		time.Sleep(txRetryPause)
	}
	return errors.Wrapf(ErrConflict, "%v", err)
}

// NextCredentialNeedingCheck claims the stalest credential not currently in
// flight: never-checked ones first, then the one whose last_checked equals
// the minimum among not-in-flight credentials. The claim (is_checking=true)
// happens in the same transaction, so two workers cannot take the same one.
func (s *Store) NextCredentialNeedingCheck() (*Credential, error) {
	var claimed *Credential
	err := s.withRetry(func(tx *gorm.DB) error {
		claimed = nil
		var c Credential
		err := tx.Where("is_checking = ? AND last_checked IS NULL", false).
			Order("id").First(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			min := tx.Model(&Credential{}).
				Where("is_checking = ?", false).Select("MIN(last_checked)")
			err = tx.Where("is_checking = ? AND last_checked = (?)", false, min).
				Order("id").First(&c).Error
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// Conditional flip: under read-committed isolation another worker
		// may have claimed the same row after our select committed its own
		// flag. Zero rows affected means we lost and must pick again.
		res := tx.Model(&Credential{}).
			Where("id = ? AND is_checking = ?", c.ID, false).
			Update("is_checking", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errLostClaim
		}
		c.IsChecking = true
		claimed = &c
		return nil
	})
	return claimed, err
}

// NextPortNeedingCheck is the port-kind counterpart of
// NextCredentialNeedingCheck, with the same claim semantics.
func (s *Store) NextPortNeedingCheck() (*Port, error) {
	var claimed *Port
	err := s.withRetry(func(tx *gorm.DB) error {
		claimed = nil
		var p Port
		err := tx.Where("is_checking = ? AND last_checked IS NULL", false).
			Order("number").First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			min := tx.Model(&Port{}).
				Where("is_checking = ?", false).Select("MIN(last_checked)")
			err = tx.Where("is_checking = ? AND last_checked = (?)", false, min).
				Order("number").First(&p).Error
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res := tx.Model(&Port{}).
			Where("id = ? AND is_checking = ?", p.ID, false).
			Update("is_checking", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errLostClaim
		}
		p.IsChecking = true
		claimed = &p
		return nil
	})
	return claimed, err
}

// CompleteCredentialCheck applies updates, clears the in-flight flag and
// stamps last_checked. A credential deleted while its check was running is
// tolerated silently.
func (s *Store) CompleteCredentialCheck(id string, updates map[string]interface{}) error {
	return s.withRetry(func(tx *gorm.DB) error {
		var c Credential
		err := tx.First(&c, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		values := map[string]interface{}{
			"is_checking":  false,
			"last_checked": time.Now(),
		}
		for k, v := range updates {
			values[k] = v
		}
		return tx.Model(&c).Updates(values).Error
	})
}

// CompletePortCheck is the port-kind counterpart of CompleteCredentialCheck.
func (s *Store) CompletePortCheck(id string, updates map[string]interface{}) error {
	return s.withRetry(func(tx *gorm.DB) error {
		var p Port
		err := tx.First(&p, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		values := map[string]interface{}{
			"is_checking":  false,
			"last_checked": time.Now(),
		}
		for k, v := range updates {
			values[k] = v
		}
		return tx.Model(&p).Updates(values).Error
	})
}

// UsableCredentialForPort picks a credential for the port: live and owned by
// nobody, oldest-checked first. With unique set, credentials in the port's
// own history are skipped; other ports' history does not matter.
func (s *Store) UsableCredentialForPort(port *Port, unique bool) (*Credential, error) {
	var creds []Credential
	err := s.db.Where("is_live = ? AND port_id IS NULL", true).
		Order("last_checked").Find(&creds).Error
	if err != nil {
		return nil, err
	}
	for i := range creds {
		if unique && port.InHistory(creds[i].ID) {
			continue
		}
		return &creds[i], nil
	}
	return nil, nil
}

// PortNeedingCredential returns any port with no assigned credential.
func (s *Store) PortNeedingCredential() (*Port, error) {
	var p Port
	err := s.db.Where("credential_id IS NULL").First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PortsDueForRotation lists assigned ports whose connection is older than
// maxAge. These should be torn down and re-assigned to refresh their IP.
func (s *Store) PortsDueForRotation(maxAge time.Duration) ([]Port, error) {
	expired := time.Now().Add(-maxAge)
	var ports []Port
	err := s.db.Where("credential_id IS NOT NULL AND time_connected < ?", expired).
		Find(&ports).Error
	if err != nil {
		return nil, err
	}
	return ports, nil
}

// Assign links the credential to the port, stamps time_connected and
// appends the credential to the port's history. The caller must already
// have a live tunnel bound to the port's number.
func (s *Store) Assign(portID, credentialID string) error {
	return s.withRetry(func(tx *gorm.DB) error {
		var p Port
		if err := tx.First(&p, "id = ?", portID).Error; err != nil {
			return err
		}
		history := p.HistoryIDs()
		if !p.InHistory(credentialID) {
			history = append(history, credentialID)
		}
		now := time.Now()
		if err := tx.Model(&p).Updates(map[string]interface{}{
			"credential_id":  credentialID,
			"time_connected": now,
			"history":        encodeHistory(history),
		}).Error; err != nil {
			return err
		}
		return tx.Model(&Credential{}).Where("id = ?", credentialID).
			Update("port_id", portID).Error
	})
}

// Unassign clears the ownership link on both sides. With purgeHistory set
// the credential is also removed from the port's history, so a credential
// discovered dead may be retried on the same port later.
//
// A caller may arrive with a stale snapshot: a slow check can outlive a
// rotation that already moved the port onto another credential. The link is
// therefore only severed where it still points at the given credential, so
// a late unassign never cuts a successor's assignment.
func (s *Store) Unassign(portID, credentialID string, purgeHistory bool) error {
	return s.withRetry(func(tx *gorm.DB) error {
		var p Port
		err := tx.First(&p, "id = ?", portID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		values := map[string]interface{}{}
		if p.CredentialID != nil && *p.CredentialID == credentialID {
			values["credential_id"] = nil
		}
		if purgeHistory {
			var kept []string
			for _, id := range p.HistoryIDs() {
				if id != credentialID {
					kept = append(kept, id)
				}
			}
			values["history"] = encodeHistory(kept)
		}
		if len(values) > 0 {
			if err := tx.Model(&p).Updates(values).Error; err != nil {
				return err
			}
		}
		return tx.Model(&Credential{}).
			Where("id = ? AND port_id = ?", credentialID, portID).
			Update("port_id", nil).Error
	})
}

// ResetPort returns the port to its pristine state without deleting the
// record: no credential, no external IP, no history, never checked.
func (s *Store) ResetPort(id string) error {
	return s.withRetry(func(tx *gorm.DB) error {
		var p Port
		if err := tx.First(&p, "id = ?", id).Error; err != nil {
			return err
		}
		if p.CredentialID != nil {
			if err := tx.Model(&Credential{}).Where("id = ?", *p.CredentialID).
				Update("port_id", nil).Error; err != nil {
				return err
			}
		}
		return tx.Model(&p).Updates(map[string]interface{}{
			"credential_id":  nil,
			"external_ip":    "",
			"time_connected": nil,
			"history":        encodeHistory(nil),
			"is_checking":    false,
			"last_checked":   nil,
		}).Error
	})
}

// ResetCredential clears the credential's checking fields and ownership
// link without touching the liveness flag, so it re-enters the round-robin
// as never checked.
func (s *Store) ResetCredential(id string) error {
	return s.withRetry(func(tx *gorm.DB) error {
		var c Credential
		if err := tx.First(&c, "id = ?", id).Error; err != nil {
			return err
		}
		if c.PortID != nil {
			if err := tx.Model(&Port{}).Where("id = ?", *c.PortID).
				Update("credential_id", nil).Error; err != nil {
				return err
			}
		}
		return tx.Model(&c).Updates(map[string]interface{}{
			"port_id":      nil,
			"is_checking":  false,
			"last_checked": nil,
		}).Error
	})
}

// ReleaseAllPorts clears every assignment and in-flight flag. The tunnel
// registry lives in process memory, so after a restart no recorded
// assignment has a live tunnel behind it; history is kept.
func (s *Store) ReleaseAllPorts() error {
	return s.withRetry(func(tx *gorm.DB) error {
		if err := tx.Model(&Port{}).Where("1 = 1").Updates(map[string]interface{}{
			"credential_id":  nil,
			"external_ip":    "",
			"time_connected": nil,
			"is_checking":    false,
		}).Error; err != nil {
			return err
		}
		return tx.Model(&Credential{}).Where("1 = 1").Updates(map[string]interface{}{
			"port_id":     nil,
			"is_checking": false,
		}).Error
	})
}

// EnsurePorts creates port records for any configured numbers not present
// yet. Existing ports keep their state.
func (s *Store) EnsurePorts(numbers []int) error {
	return s.withRetry(func(tx *gorm.DB) error {
		for _, n := range numbers {
			var p Port
			err := tx.Where("number = ?", n).First(&p).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				p = Port{
					ID:      uuid.New().String(),
					Number:  n,
					History: encodeHistory(nil),
				}
				if err := tx.Create(&p).Error; err != nil {
					return err
				}
				log.Debugf("created port %d", n)
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateCredential adds a credential to the inventory.
func (s *Store) CreateCredential(host, username, password string) (*Credential, error) {
	c := &Credential{
		ID:       uuid.New().String(),
		Host:     host,
		Username: username,
		Password: password,
	}
	if err := s.db.Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteCredential removes a credential, unassigning it first if a port
// owns it. Returns the port number that lost its tunnel, if any.
func (s *Store) DeleteCredential(id string) (int, error) {
	released := 0
	err := s.withRetry(func(tx *gorm.DB) error {
		released = 0
		var c Credential
		err := tx.First(&c, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if c.PortID != nil {
			var p Port
			if err := tx.First(&p, "id = ?", *c.PortID).Error; err == nil {
				released = p.Number
				if err := tx.Model(&p).Update("credential_id", nil).Error; err != nil {
					return err
				}
			}
		}
		return tx.Delete(&Credential{}, "id = ?", id).Error
	})
	return released, err
}

// CredentialByID fetches one credential, nil when absent.
func (s *Store) CredentialByID(id string) (*Credential, error) {
	var c Credential
	err := s.db.First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// PortByID fetches one port, nil when absent.
func (s *Store) PortByID(id string) (*Port, error) {
	var p Port
	err := s.db.First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PortByNumber fetches one port by its local port number, nil when absent.
func (s *Store) PortByNumber(number int) (*Port, error) {
	var p Port
	err := s.db.First(&p, "number = ?", number).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListCredentials returns the whole credential inventory.
func (s *Store) ListCredentials() ([]Credential, error) {
	var creds []Credential
	if err := s.db.Order("created_at").Find(&creds).Error; err != nil {
		return nil, err
	}
	return creds, nil
}

// ListPorts returns every port ordered by number.
func (s *Store) ListPorts() ([]Port, error) {
	var ports []Port
	if err := s.db.Order("number").Find(&ports).Error; err != nil {
		return nil, err
	}
	return ports, nil
}

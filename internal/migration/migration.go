package migration

import (
	"crypto/ecdsa"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/recordmoney/syncd/internal/cryptoutil"
	"github.com/recordmoney/syncd/internal/device"
	"github.com/recordmoney/syncd/internal/localstore"
	"github.com/recordmoney/syncd/internal/mutation"
	"github.com/recordmoney/syncd/internal/syncerr"
)

// Service runs the one-shot legacy import of spec §4.11.
type Service struct {
	store   *localstore.Store
	devices *device.Service
	logger  *logrus.Logger
}

func New(store *localstore.Store, devices *device.Service, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{store: store, devices: devices, logger: logger}
}

// Migrate walks source's legacy tables and emits one signed `create`
// mutation per converted row. Guarded by `migrated=true`: a second call is
// a no-op that reports Skipped=true.
func (s *Service) Migrate(source Source, selfEmail string) (*Result, error) {
	cfg, err := s.store.SyncConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Migrated {
		return &Result{Skipped: true, SelfPersonUUID: cfg.SelfPersonUUID}, nil
	}

	keys, err := s.devices.EnsureDeviceKeys()
	if err != nil {
		return nil, err
	}
	priv := cryptoutil.P256PrivateFromBytes(keys.AuthPrivateKey)

	emailToPersonUUID := make(map[string]string)
	result := &Result{}

	users, err := source.Users()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.MigrationFailed, "list legacy users", err)
	}
	for _, u := range users {
		personUUID := uuid.NewString()
		emailToPersonUUID[u.Email] = personUUID
		isSelf := selfEmail != "" && u.Email == selfEmail
		if err := s.enqueueCreate(priv, keys.AuthPublicKey, personUUID, mutation.TargetPerson, map[string]interface{}{
			"personUuid":    personUUID,
			"email":         u.Email,
			"name":          u.Name,
			"isSelf":        isSelf,
			"isPlaceholder": false,
		}); err != nil {
			return nil, err
		}
		result.PersonsCreated++
		if isSelf {
			result.SelfPersonUUID = personUUID
		}
	}

	placeholderFor := func(email string) (string, error) {
		if personUUID, ok := emailToPersonUUID[email]; ok {
			return personUUID, nil
		}
		personUUID := uuid.NewString()
		emailToPersonUUID[email] = personUUID
		if err := s.enqueueCreate(priv, keys.AuthPublicKey, personUUID, mutation.TargetPerson, map[string]interface{}{
			"personUuid":    personUUID,
			"email":         email,
			"isSelf":        false,
			"isPlaceholder": true,
		}); err != nil {
			return "", err
		}
		result.PersonsCreated++
		result.PlaceholderCount++
		return personUUID, nil
	}

	records, err := source.Records()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.MigrationFailed, "list legacy records", err)
	}
	for _, r := range records {
		paidBy, err := resolveParticipants(r.PaidBy, placeholderFor)
		if err != nil {
			return nil, err
		}
		paidFor, err := resolveParticipants(r.PaidFor, placeholderFor)
		if err != nil {
			return nil, err
		}
		data := make(map[string]interface{}, len(r.Data)+2)
		for k, v := range r.Data {
			data[k] = v
		}
		data["paidBy"] = paidBy
		data["paidFor"] = paidFor
		if err := s.enqueueCreate(priv, keys.AuthPublicKey, r.ID, mutation.TargetRecord, data); err != nil {
			return nil, err
		}
		result.RecordsCreated++
	}

	groups, err := source.Groups()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.MigrationFailed, "list legacy groups", err)
	}
	for _, g := range groups {
		memberUUIDs := make([]string, 0, len(g.MemberEmails))
		for _, email := range g.MemberEmails {
			personUUID, err := placeholderFor(email)
			if err != nil {
				return nil, err
			}
			memberUUIDs = append(memberUUIDs, personUUID)
		}
		if err := s.enqueueCreate(priv, keys.AuthPublicKey, g.ID, mutation.TargetGroup, map[string]interface{}{
			"name":    g.Name,
			"members": memberUUIDs,
		}); err != nil {
			return nil, err
		}
		result.GroupsCreated++
	}

	cfg.Migrated = true
	migratedAt := time.Now().UTC()
	cfg.MigratedAt = &migratedAt
	cfg.SelfPersonUUID = result.SelfPersonUUID
	cfg.SelfEmail = selfEmail
	if err := s.store.SaveSyncConfig(cfg); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"persons": result.PersonsCreated,
		"records": result.RecordsCreated,
		"groups":  result.GroupsCreated,
	}).Info("legacy migration complete")

	return result, nil
}

func resolveParticipants(in []LegacyParticipant, placeholderFor func(string) (string, error)) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(in))
	for _, p := range in {
		personUUID, err := placeholderFor(p.Email)
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]interface{}{"personUuid": personUUID, "amount": p.Amount})
	}
	return out, nil
}

func (s *Service) enqueueCreate(priv *ecdsa.PrivateKey, authorPub []byte, targetUUID string, targetType mutation.TargetType, data map[string]interface{}) error {
	id, err := s.store.NextMutationID()
	if err != nil {
		return err
	}
	m := mutation.New(id, targetUUID, targetType, mutation.Operation{Kind: mutation.OpCreate, Data: data})
	if err := m.Sign(priv, authorPub); err != nil {
		return syncerr.Wrap(syncerr.SignatureInvalid, "sign migration mutation", err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.store.EnqueueMutation(localstore.MutationQueueEntry{
		ID:        id,
		Status:    localstore.QueuePending,
		JSON:      raw,
		CreatedAt: time.Now().UTC(),
	})
}

// Package storage provides pluggable backend interfaces for storage operations.
//
// # Overview
//
// Store is a plain key-value interface over binary values. Repository layers
// typed JSON documents on top of it: every entity kind (device templates,
// request topics, dynamic deployments, rules, rule triggers, rule actions)
// lives under its own key prefix.
//
// Two backends exist:
//   - Memory: map in process memory, for tests and demo setups
//   - KV: NATS JetStream key-value bucket, shared by all MBP instances
//
// # Keys
//
// Keys have the form "<kind>.<id>". Ids must not contain '.', spaces or
// NATS wildcards.
//
// # Errors
//
// Missing entities are reported with errors matching errors.ErrNotFound and
// classified invalid. Backend failures of the KV store are transient.
//
// # Usage
//
//	store := storage.NewMemory()
//	templates := storage.NewRepository(store, "device_template",
//		func(t *template.DeviceTemplate) string { return t.ID })
//
//	if err := templates.Save(ctx, tpl); err != nil {
//		return err
//	}
//	owned, err := templates.FindBy(ctx, func(t *template.DeviceTemplate) bool {
//		return t.Owner == userID
//	})
package storage

// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

// Package offsync defines the shared contracts of the MedFlow offline
// synchronization layer: cached-record and mutation models, the wire
// format of the backend record API, the error taxonomy, backoff and
// connectivity capabilities, and the sync configuration.
package offsync

import (
	"strings"

	"github.com/google/uuid"
)

// EntityType names a category of domain record. Each entity type has its
// own server endpoint and its own logical table in the local cache.
type EntityType string

const (
	EntityPatients      EntityType = "patients"
	EntityVisits        EntityType = "visits"
	EntityAppointments  EntityType = "appointments"
	EntityPrescriptions EntityType = "prescriptions"
	EntityInvoices      EntityType = "invoices"
	EntityLabOrders     EntityType = "labOrders"
	EntityPreferences   EntityType = "preferences"
)

// clinicalEntities holds entity types carrying clinical or financial data.
// Automatic conflict resolution is never allowed for these (§ resolution
// policy in Config.Validate).
var clinicalEntities = map[EntityType]bool{
	EntityPatients:      true,
	EntityVisits:        true,
	EntityPrescriptions: true,
	EntityInvoices:      true,
	EntityLabOrders:     true,
}

// IsClinical reports whether records of this type carry clinical or
// financial data that must never be auto-resolved on conflict.
func IsClinical(t EntityType) bool {
	return clinicalEntities[t]
}

const tempIDPrefix = "temp_"

// NewTempID returns a client-generated placeholder id for a record
// created while offline. It is replaced by the server-assigned id once
// the Create mutation succeeds.
func NewTempID() string {
	return tempIDPrefix + uuid.New().String()
}

// IsTempID reports whether id is a client-generated temporary id.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

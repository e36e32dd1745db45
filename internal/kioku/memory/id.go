package memory

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// Namespace seeds every content-addressed memory ID. Changing it re-keys the
// whole vector store, so it is fixed for the lifetime of a deployment.
var Namespace = uuid.MustParse("6c8f1d2e-4b7a-5e39-9a14-0d3c7b2f8e61")

// ContentHash returns the hex-encoded SHA-256 of content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// DeriveID computes the stable identity of a memory from the persona that
// owns it, the entity it is attributed to and its content. The composite key
// "personaID:sourceSystemID:sha256(content)" is mapped through a name-based
// (version 5) UUID under Namespace, so the same arguments yield the same ID
// in any process on any date. DeriveID performs no I/O.
func DeriveID(personaID, sourceSystemID, content string) string {
	key := personaID + ":" + sourceSystemID + ":" + ContentHash(content)
	return uuid.NewSHA1(Namespace, []byte(key)).String()
}

// OrphanPersonaID is the well-known persona that owns memories whose human
// participant could not be resolved. Every persona directory creates it
// under this ID so reattribution can find the orphaned memories later.
var OrphanPersonaID = uuid.NewSHA1(Namespace, []byte("kioku:orphan-persona")).String()

// OrphanPersonaName is the display name given to the orphan persona.
const OrphanPersonaName = "Orphaned Memories"

// Package registry tracks in-flight and historical file transfers for the
// whole process.
//
// Two tables live here: transfer id to live status record, and
// human-shareable six-digit pickup code to transfer id, so a receiver can be
// pointed at a pending transfer without knowing its id. This is the one
// piece of genuinely shared mutable state in the system; every operation
// goes through the Registry under a single mutex.
//
// Example:
//
//	reg := registry.NewRegistry(registry.DefaultCodeTTL)
//	rec := reg.Create(id, "report.pdf", registry.StatusConnecting)
//
//	code, err := reg.NewCode(rec.ID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Share this code:", code)
//
// Records are never deleted; failed transfers stay visible with their last
// progress value for post-mortem inspection. Pickup codes expire after the
// configured TTL and are dropped lazily on lookup.
package registry

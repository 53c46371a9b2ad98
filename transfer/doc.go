// Package transfer implements the engine that moves files between peers
// over TCP.
//
// One connection carries exactly one file: a newline-terminated JSON
// metadata header followed by exactly the declared number of body bytes,
// which are the compressed-then-encrypted payload. The engine owns both
// roles: outbound connect-and-push sends and the inbound accept loop, each
// transfer running in its own goroutine.
//
// Example:
//
//	reg := registry.NewRegistry(registry.DefaultCodeTTL)
//	engine := transfer.NewEngine(transfer.Config{
//	    SaveDir:  "/home/user/Downloads",
//	    Password: "shared-password",
//	}, reg, func(id string, progress int, message string) {
//	    fmt.Printf("[%s] %3d%% %s\n", id, progress, message)
//	})
//	defer engine.Close()
//
//	if err := engine.Listen(); err != nil {
//	    log.Fatal(err)
//	}
//
//	id, err := engine.Send(context.Background(), "192.168.1.20", "/tmp/report.pdf", "shared-password")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Tracking transfer", id)
//
// Progress is delivered through the injected ProgressFunc after every chunk
// and mirrored into the registry. Failures are caught at each transfer's
// goroutine boundary, recorded as failed with a human-readable message, and
// never disturb other transfers or the accept loop. In-flight transfers can
// be aborted with Cancel; every socket operation carries a deadline so a
// hung peer cannot stall a handler forever.
package transfer

// Package collab provides a high-level library API for embedding the
// collaborative-editing session coordinator.
//
// This package is the primary integration point for hosts that want the
// coordinator in-process rather than behind collabd. It wires the durable
// store, the cross-instance change stream, event sinks and the session
// manager from a single config.Config.
//
// # Concurrency Safety
//
//   - Every Service method is safe for concurrent use.
//
//   - Changes to one document are serialized per instance. Instances that
//     share a store and pub/sub see each other's committed changes, but
//     locks and presence are local to the instance; route all editors of a
//     document to one instance when strict ordering matters.
//
//   - Close must be called once, after the HTTP server has stopped
//     accepting requests. It flushes every session and reports changes that
//     could not be persisted.
//
// # Recommended Usage Pattern
//
//	svc, err := collab.Open(ctx, cfg, logging.Global())
//	if err != nil {
//	    return err
//	}
//	defer svc.Close(context.Background())
//	go svc.Run(ctx)
//
//	sess, err := svc.Manager.StartSession(ctx, "doc-42", "alice", "tab-1", model.DocumentText)
//	version, err := svc.Manager.ApplyChange(ctx, sess.ID, change, sess.Version)
//	if errors.Is(err, errclass.ErrVersionConflict) {
//	    version, _ = svc.Manager.CurrentVersion(sess.ID) // rebase and resubmit
//	}
//
//	http.ListenAndServe(cfg.Listen, svc.Handler())
package collab

// Package credits provides a prepaid credit ledger for per-message billing.
//
// Credits is designed as a library, not a service. An Engine sits on top of
// a Store (memory, PostgreSQL, SQLite or MongoDB) and provides:
//
//   - Wallets with an append-only entry history
//   - Per-message reservations that commit or release exactly once
//   - Subscription allowances consumed before purchased credits
//   - Idempotent recording of purchases, refunds and paid invoices
//   - Replay-safe webhook processing
//   - A reconciliation sweep that reclaims expired holds
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/credits"
//	    "github.com/xraph/credits/store/postgres"
//	)
//
//	store, err := postgres.Open(ctx, databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine := credits.New(store, credits.WithConfig(cfg))
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// # Sending a message
//
// Reserve before handing a message to the carrier, then commit on success
// or release on failure:
//
//	if _, err := engine.ReserveForMessages(ctx, ownerID, []string{msgID}, credits.BatchReserveOpts{}); err != nil {
//	    return err // credits.ErrInsufficientCredits when the owner cannot pay
//	}
//	if err := send(msg); err != nil {
//	    engine.ReleaseBestEffort(ctx, ownerID, credits.ByMessage(msgID), "send_failed")
//	    return err
//	}
//	_, err := engine.Commit(ctx, ownerID, credits.ByMessage(msgID), credits.CommitOpts{})
//
// Commit draws on the subscription allowance first and debits purchased
// credits only for the remainder. A message is billed at most once no
// matter how often it is reserved, committed or retried.
//
// # Consistency
//
// Every balance change runs inside Store.WithOwnerLock, one transaction per
// owner. Plugin hooks fire only after that transaction commits. States the
// engine repairs instead of failing, such as a reserved balance that
// drifted from its live reservations, are logged and reported through the
// OnConsistencyWarning hook.
//
// # TypeID
//
// Records use TypeID identifiers:
//
//	rsv_01h2xcejqtf2nbrexx3vqjhp41  // Reservation ID
//	btx_01h2xcejqtf2nbrexx3vqjhp41  // Billing transaction ID
//	whe_01h455vb4pex5vsknk084sn02q  // Webhook event ID
//
// Owners and messages are identified by caller-supplied strings.
package credits

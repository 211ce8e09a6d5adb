package models

/*
Settlement Engine Database Models

This package contains the database models of the ledger, organized by domain:

- user.go       - User, Balance and the LedgerEntry journal
- wallet.go     - DepositAddress, Deposit and Withdrawal (on-chain flows)
- settlement.go - Transfer and Swap (internal, immutable records)
- position.go   - margin Position
- status.go     - status enums and their allowed-transition tables

Balance rows are owned by internal/ledger. Any other package that creates or
updates a Balance through gorm is rejected by the ledger's write guard.

New models must be added to database.AutoMigrate().
*/

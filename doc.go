// Package custody and its sub-packages implement the backend service that holds user wallets for multiple
// blockchains, with encrypted key storage and an encrypted backup subsystem.
/*
custody provides a wallet custody microservice (package wallet) that exposes an HTTP RESTful API for user
requests such as generating a set of wallets from a fresh seed phrase, importing wallets from an existing phrase
or a raw private key, checking balances and transactions, and creating or restoring encrypted backups.

Architecture

All key material is sealed before it touches the database. Keys and seed phrases are encrypted with AES-256-GCM
under a key derived from the owner's password with PBKDF2 (package lib/crypt). The service never stores the
password or the derived key, so a lost password means a lost wallet unless the seed phrase was kept elsewhere.

A blockchain layer (package lib/chain) implements one adapter per supported blockchain (Solana, Ethereum,
Bitcoin). An adapter derives keypairs from a BIP-39 seed along the blockchain's BIP-44 convention, imports raw
private keys in the native encoding, and opens query clients against its endpoints. On top of it, an endpoint
manager (package lib/rpc) keeps a pool of endpoints per blockchain and network and fails over between them,
trying user supplied endpoints ahead of the default ones.

Persistence is product agnostic (package lib/store) with MongoDB and PostgreSQL backends. The service publishes
wallet and backup lifecycle events to a message broker (package lib/msg) so notification workers can inform the
user in real time.

Backups (package backup) seal the owner's wallet records, and optionally their cached transactions, into a single
encrypted payload with a checksum that is verified before any restore writes. A scheduler runs automatic backups
per owner at a configured daily, weekly or monthly cadence.

The service can be started running cmd/custody/main.go and is configured via a JSON config file with environment
overrides. It can be monitored via a Prometheus API by setting the flag "-m" at startup.
*/
package custody

/*
Package types defines the core data structures used throughout the DeCloud
control plane.

This package contains the domain model shared by every other package: nodes,
virtual machines, obligations, usage records, pending deposits, routes,
credit grants and node-agent commands. No other package defines aggregate
state; components exchange ids and resolve them through the data store,
never through back-pointers.

# Core Types

Fleet:
  - Node: operator machine with hardware, pricing, NAT class and duties
  - SystemVMObligation: a node's DHT/relay duty and its progress
  - CGNATInfo / RelayInfo: relay tunnel assignment and capacity

Workloads:
  - VirtualMachine: tenant or system VM with spec, lifecycle status,
    power state, network config and billing ledger
  - VMSpec: requested shape, quality tier and image
  - Route: proxy-facing projection for a running VM

Money:
  - UsageRecord: one billed interval, immutable once settled on chain
  - PendingDeposit: on-chain deposit below the confirmation threshold
  - CreditGrant: off-chain credit consumed FIFO by expiry

Command fabric:
  - Command / Acknowledgment: instructions pushed or pulled by node agents,
    with typed payloads and result documents per command type

# Naming

CanonicalName produces the single DNS-safe identifier used as VM name,
hostname and subdomain: sanitized user input plus a 4-hex suffix. See
SanitizeName for the exact rules.
*/
package types

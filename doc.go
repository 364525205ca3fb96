// Package bitswap wires the block-exchange decision engine to a
// BitSwapNetwork: it turns inbound wire traffic into engine calls and
// pumps the engine's outbound envelopes back out over the network.
package bitswap

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package protocol implements the secure session adapter: a
// Noise_XK_25519_ChaChaPoly_SHA256 handshake driven across reactor readiness
// events, followed by length-prefixed AEAD transport frames.
//
// A Session is a concurrency.Handler. All of its state lives on the loop
// goroutine; SessionHandle is the cross-goroutine entry point.
package protocol

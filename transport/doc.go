// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package transport provides non-blocking descriptor connections for the
// reactor: socket pairs, outbound TCP dials and TCP listeners. Every
// connection it returns satisfies resource.Conn.
package transport

// Package mcp is a Model Context Protocol client used to reach the
// action servers that perform specialist actions (the Story SDK server,
// for example). It speaks JSON-RPC 2.0 over a subprocess's stdio or
// over streamable HTTP, discovers actions with tools/list and performs
// them with tools/call.
//
// Only the client side is implemented.
package mcp

// Package outbound sends tenant messages through their live session.
//
// Send and record run together on the session worker: the client transmits
// first, and only a successful send is appended to the conversation. A
// failed send leaves the conversation untouched.
package outbound

// Package chat defines the capability the inbox consumes from an external
// chat network: one Client per tenant that emits lifecycle and message
// events and accepts send and contact-lookup commands.
//
// Backends live in their own packages (whatsapp, matrix). FakeClient and
// FakeFactory are scriptable stand-ins used by tests across the module.
package chat

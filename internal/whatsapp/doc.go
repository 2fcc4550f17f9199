// Package whatsapp implements chat.Client on top of go.mau.fi/whatsmeow.
//
// One sqlstore container (mattn/go-sqlite3) holds device keys for every
// tenant. After a successful pairing the device JID is merged into the
// tenant's session document under "deviceJid", and NewClient reads it back
// to restore the device on the next start.
//
// Event mapping:
//
//	QR channel code                     pairing_code
//	PairSuccess                         authenticated
//	Connected                           ready
//	LoggedOut, Disconnected             disconnected
//	StreamReplaced, TemporaryBan,
//	ConnectFailure, ClientOutdated      failure
//	Message (one-to-one text)           message
//
// Automatic reconnection is disabled; a lost connection ends the session and
// the operator starts it again.
package whatsapp

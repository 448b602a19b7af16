// Package lan is a transport.Adapter for devices on the same local network.
//
// Discovery uses UDP beacons: while advertising, the adapter broadcasts a
// small JSON beacon naming its handle, display name, QUIC port and
// discovery info every beacon interval. While browsing, received beacons are
// reported as found, and a beacon not refreshed for three intervals is
// reported lost.
//
// Links are QUIC connections. The inviter dials and opens a control stream
// carrying a hello; the invitee reports an invitation and answers it on the
// same stream. Reliable sends are length-prefixed frames on the control
// stream, so they arrive in order; best-effort sends are QUIC datagrams.
package lan

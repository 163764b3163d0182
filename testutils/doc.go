// Package testutils provides helpers shared by the server test suites.
//
// Key components:
//   - Client: a framing client that speaks the LOGIN/SEND/LIST/READ/DEL/QUIT
//     protocol over a real TCP connection
//   - StaticAuthenticator: an in-memory credential backend that counts calls
//
// Example usage:
//
//	import "github.com/twmailer/twmailer/testutils"
//
//	func TestMyFunction(t *testing.T) {
//		c := testutils.Dial(t, addr)
//		require.Equal(t, "OK\n", c.Login("alice", "pw1"))
//	}
package testutils

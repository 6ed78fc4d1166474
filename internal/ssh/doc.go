// ssh implements a facade over the 'x/crypto/ssh' package, simplifying the
// following workflows:
//   - loading the operator's private and public keys from disk
//   - SSH client construction
//   - sequenced command execution within a remote shell
//
// NOTE: ALL errors returned by this package will be wrapped with well-known (
// 'errors.Is(...') errors.
package ssh

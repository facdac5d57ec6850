// Package auth handles the session token for clinic-chat.
//
// The practice-management host signs an HS256 JWT whose "sub" claim is the
// local user's id. The client does not hold the signing secret, so
// SubjectFromToken reads the claim without verifying the signature and
// only rejects expired or malformed tokens. The server verifies the token
// when the identity is registered.
//
// JWTVerifier performs full verification when the secret is at hand, as in
// the "clinic-chat token" command, and can mint tokens for local
// development:
//
//	v := auth.NewJWTVerifier(secret)
//	token, err := v.Generate("d1", time.Hour)
//	sub, err := v.Verify(token)
package auth

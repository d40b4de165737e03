package models

// TrustedPeer is a remote identity the local user has vouched for.
type TrustedPeer struct {
	Identifier       string `json:"identifier"`
	DisplayName      string `json:"display_name"`
	PublicKey        []byte `json:"public_key"`
	TrustedTimestamp int64  `json:"trusted_timestamp"`
}

// IdentityDocument is the self-describing public half of a local identity.
type IdentityDocument struct {
	ID                    string `json:"id"`
	Label                 string `json:"label"`
	PublicKey             []byte `json:"public_key"`
	SignedPreKey          []byte `json:"signed_pre_key"`
	SignedPreKeySignature []byte `json:"signed_pre_key_signature"`
	CreatedAt             int64  `json:"created_at"`
}

// OneTimePreKey is a single-use X25519 key pair.
type OneTimePreKey struct {
	ID         string `json:"id"`
	PublicKey  []byte `json:"public_key"`
	PrivateKey []byte `json:"private_key"`
	CreatedAt  int64  `json:"created_at"`
}

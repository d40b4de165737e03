package models

// KeyPair is a raw public/private key pair.
type KeyPair struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

// KeyMaterial is the long-term key set that backups capture and restore.
type KeyMaterial struct {
	IdentityKey    KeyPair            `json:"identity_key"`
	SignedPreKey   KeyPair            `json:"signed_pre_key"`
	OneTimePreKeys map[string]KeyPair `json:"one_time_pre_keys"`
}

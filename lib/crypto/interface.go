package crypto

// PublicKeyI is a validator identity: the key a witness signature is checked against
type PublicKeyI interface {
	Address() []byte
	Bytes() []byte
	VerifyBytes(msg []byte, sig []byte) bool
	String() string
	Equals(PublicKeyI) bool
}

// PrivateKeyI is the local signing key
type PrivateKeyI interface {
	Bytes() []byte
	Sign(msg []byte) ([]byte, error)
	PublicKey() PublicKeyI
	String() string
	Equals(PrivateKeyI) bool
}

// MultiPublicKeyI combines the signatures of an ordered key list into one aggregate, tracking who signed in a bitmap
type MultiPublicKeyI interface {
	AggregateSignatures() ([]byte, error)
	VerifyBytes(msg, aggregatedSignature []byte) bool
	AddSigner(signature []byte, index int) error
	SignerEnabledAt(i int) (bool, error)
	PublicKeys() (keys []PublicKeyI)
	SetBitmap(bm []byte) error
	Bitmap() []byte
	Copy() MultiPublicKeyI
	Reset()
}

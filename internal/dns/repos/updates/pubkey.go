package updates

// DefaultPublicKey is the publisher's Ed25519 public key in base64,
// baked into the binary so trusted-list verification needs no trust
// bootstrap at runtime. Override via configuration only for mirrors
// that re-sign with their own key.
const DefaultPublicKey = "vTbIGCY7kuLpnxw4FUful1PV/5vj1fRpG93gMIxs8pQ="

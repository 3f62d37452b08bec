package state

import (
	"encoding/base64"
)

func (k WfPrivateKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k[:])), nil
}
func (k WfPublicKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k[:])), nil
}
func (k *WfPrivateKey) UnmarshalText(text []byte) error {
	data, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(data) != len(*k) {
		return base64.CorruptInputError(len(data))
	}
	*k = WfPrivateKey(data)
	return nil
}
func (k *WfPublicKey) UnmarshalText(text []byte) error {
	data, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(data) != len(*k) {
		return base64.CorruptInputError(len(data))
	}
	*k = WfPublicKey(data)
	return nil
}

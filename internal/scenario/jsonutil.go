package scenario

import (
	"encoding/json"
	"os"

	"github.com/relaytest/karate-go/internal/value"
)

func jsonMarshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func jsonUnmarshalInto(data []byte, dest interface{}) error {
	return json.Unmarshal(data, dest)
}

func jsonUnmarshal(data []byte) (value.Value, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return value.Null, err
	}
	return value.FromNative(v), nil
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

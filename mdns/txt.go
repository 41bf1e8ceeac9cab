package mdns

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// TXT keys published next to the service record.
const (
	TXTKeyNetwork = "net"
	TXTKeyVersion = "v"
)

type TXTRecordSet map[string][]string

func (r TXTRecordSet) Set(key, value string) {
	r[key] = []string{value}
}

func (r TXTRecordSet) Add(key, value string) {
	r[key] = append(r[key], value)
}

func (r TXTRecordSet) Get(key string) []string {
	return r[key]
}

func (r TXTRecordSet) GetOne(key string) (string, error) {
	record := r.Get(key)
	if len(record) < 1 {
		return "", fmt.Errorf("no value for key %s", key)
	}
	if len(record) > 1 {
		return "", fmt.Errorf("multiple values for key %s", key)
	}
	return record[0], nil
}

func (r TXTRecordSet) FromSlice(in []string) error {
	for _, pair := range in {
		n := strings.IndexRune(pair, '=')
		if n < 0 {
			return errors.New("failed to find record key")
		}
		key := pair[:n]
		value := pair[n+1:]

		r[key] = append(r[key], value)
	}

	return nil
}

// ToSlice returns the records as key=value pairs, sorted by key.
func (r TXTRecordSet) ToSlice() []string {
	keys := make([]string, 0, len(r))
	for key := range r {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := []string{}
	for _, key := range keys {
		for _, value := range r[key] {
			out = append(out, fmt.Sprintf("%s=%s", key, value))
		}
	}
	return out
}

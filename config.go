// Copyright 2024 The chainhead-engine Authors
// This file is part of the chainhead-engine library.
//
// The chainhead-engine library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The chainhead-engine library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the chainhead-engine library. If not, see <http://www.gnu.org/licenses/>.

package chainhead

import (
	"fmt"
	"io"
	"time"

	"github.com/naoina/toml"
)

// Config is ChainHeadConfig (§6).
type Config struct {
	GlobalMaxPinnedBlocks            int
	SubscriptionMaxPinnedDuration    time.Duration
	SubscriptionMaxOngoingOperations int
	OperationMaxStorageItems         int
}

// DefaultConfig mirrors the conservative defaults used in the scenario
// tests (§8) unless a scenario overrides one field.
var DefaultConfig = Config{
	GlobalMaxPinnedBlocks:            256,
	SubscriptionMaxPinnedDuration:    5 * time.Minute,
	SubscriptionMaxOngoingOperations: 16,
	OperationMaxStorageItems:         32,
}

var tomlSettings = toml.Config{
	NormFieldName: func(rt toml.DataType, field string) string { return field },
	FieldToKey:    func(rt toml.DataType, field string) string { return field },
	MissingField: func(rt toml.DataType, field string) error {
		return fmt.Errorf("chainhead: config file has no field %q", field)
	},
}

// LoadConfig reads a Config from TOML, the way the teacher's cmd/geth loads
// its own node/eth config files.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig
	if err := tomlSettings.NewDecoder(r).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("chainhead: decode config: %w", err)
	}
	return cfg, nil
}

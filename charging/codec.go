// Copyright 2021-2022 The ocsgw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package charging

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Codec converts charging messages to and from their bus encoding
type Codec struct {
	validate *validator.Validate
}

// NewCodec define a new Codec
func NewCodec() *Codec {
	return &Codec{validate: validator.New()}
}

// encode validate then JSON encode a message
func (c *Codec) encode(msg interface{}) ([]byte, error) {
	if err := c.validate.Struct(msg); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// decode JSON decode then validate a message
func (c *Codec) decode(data []byte, msg interface{}) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return c.validate.Struct(msg)
}

// EncodeRequest encode a credit control request
func (c *Codec) EncodeRequest(req CreditControlRequest) ([]byte, error) {
	return c.encode(&req)
}

// DecodeRequest decode a credit control request
func (c *Codec) DecodeRequest(data []byte) (CreditControlRequest, error) {
	var req CreditControlRequest
	err := c.decode(data, &req)
	return req, err
}

// EncodeAnswer encode a charging answer
func (c *Codec) EncodeAnswer(answer ChargingAnswer) ([]byte, error) {
	return c.encode(&answer)
}

// DecodeAnswer decode a charging answer
func (c *Codec) DecodeAnswer(data []byte) (ChargingAnswer, error) {
	var answer ChargingAnswer
	err := c.decode(data, &answer)
	return answer, err
}

// EncodeActivation encode an activation record
func (c *Codec) EncodeActivation(record ActivationRecord) ([]byte, error) {
	return c.encode(&record)
}

// DecodeActivation decode an activation record
func (c *Codec) DecodeActivation(data []byte) (ActivationRecord, error) {
	var record ActivationRecord
	err := c.decode(data, &record)
	return record, err
}

// ValidateSession verify a session context is complete
func (c *Codec) ValidateSession(ctx SessionContext) error {
	return c.validate.Struct(&ctx)
}

package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// CurrentSchemaVersion is the binary format written by Encode.
const CurrentSchemaVersion = 1

// The four int64 timestamps form a fixed-width trailer so store Lua
// scripts can splice LastSeenAt and RevokedAt without decoding the
// variable-length head. Order: CreatedAt, ExpiresAt, LastSeenAt,
// RevokedAt. Changing this layout requires a schema version bump and a
// matching script change.
const trailerLen = 32

func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(CurrentSchemaVersion)

	if len(s.PrincipalID) == 0 || len(s.PrincipalID) > 255 {
		return nil, errors.New("invalid principal id length")
	}
	buf.WriteByte(byte(len(s.PrincipalID)))
	buf.WriteString(s.PrincipalID)

	if len(s.TenantID) == 0 || len(s.TenantID) > 255 {
		return nil, errors.New("invalid tenant id length")
	}
	buf.WriteByte(byte(len(s.TenantID)))
	buf.WriteString(s.TenantID)

	buf.Write(s.IPHash[:])
	buf.Write(s.UAHash[:])

	for _, v := range [4]int64{s.CreatedAt, s.ExpiresAt, s.LastSeenAt, s.RevokedAt} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != CurrentSchemaVersion {
		return nil, errors.New("invalid session version")
	}

	s := &Session{SchemaVersion: version}

	principalLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	principal := make([]byte, principalLen)
	if _, err := io.ReadFull(reader, principal); err != nil {
		return nil, err
	}
	s.PrincipalID = string(principal)

	tenantLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	tenant := make([]byte, tenantLen)
	if _, err := io.ReadFull(reader, tenant); err != nil {
		return nil, err
	}
	s.TenantID = string(tenant)

	if _, err := io.ReadFull(reader, s.IPHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, s.UAHash[:]); err != nil {
		return nil, err
	}

	for _, v := range [4]*int64{&s.CreatedAt, &s.ExpiresAt, &s.LastSeenAt, &s.RevokedAt} {
		if err := binary.Read(reader, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}
	if reader.Len() != 0 {
		return nil, errors.New("trailing bytes after session record")
	}

	return s, nil
}

// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Wire format for the command channel (spec §6): the same "fixed head +
// size-prefixed name/value pairs" shape as hemi/common/msgx, but the head
// itself is laid out differently. msgx steals the top bit of its 32-bit
// size field to flag Tell vs. Call, saving one byte on the wire; this
// protocol carries only local control-plane traffic between tidectl and
// tided; one extra byte per frame at the rate a CLI sends Deltas is not
// worth the bit-unpacking it buys, so Call/Tell gets its own head byte
// instead and size stays a plain, unsigned 32 bits end to end.
//
// frame = head + body
// head  = cmd(8) + nArgs(8) + flag(16) + call(8) + size(32)
// body  = nArgs * argHead + nArgs * argBody
// argHead = nameSize(8) + valueSize(32)
// argBody = name(nameSize) + value(valueSize)

package ctlmsg

import (
	"encoding/binary"
	"io"
)

const maxFrameSize = 1<<32 - 1

const headSize = 9

// Frame is one command-channel message: either a one-way Tell (no
// response expected) or a Call (caller blocks for a response Frame).
type Frame struct {
	call bool

	Cmd  uint8
	Flag uint16
	Args map[string]string
}

func NewFrame(cmd uint8, flag uint16, args map[string]string) *Frame {
	return &Frame{Cmd: cmd, Flag: flag, Args: args}
}

func (f *Frame) SetTell()     { f.call = false }
func (f *Frame) SetCall()     { f.call = true }
func (f *Frame) IsCall() bool { return f.call }

func (f *Frame) Get(name string) string { return f.Args[name] }
func (f *Frame) Set(name, value string) {
	if f.Args == nil {
		f.Args = make(map[string]string)
	}
	f.Args[name] = value
}

// Tell writes req to writer and does not wait for a response.
func Tell(writer io.Writer, req *Frame) bool {
	req.SetTell()
	return WriteFrame(writer, req)
}

// Call writes req and blocks for the paired response Frame.
func Call(rw io.ReadWriter, req *Frame, maxSize uint32) (*Frame, bool) {
	req.SetCall()
	if !WriteFrame(rw, req) {
		return nil, false
	}
	return ReadFrame(rw, maxSize)
}

// argSize reports the wire size of one name/value pair, or -1 if name or
// value is too large to encode.
func argSize(name, value string) int {
	if len(name) > 255 {
		return -1
	}
	return 5 + len(name) + len(value)
}

func WriteFrame(writer io.Writer, f *Frame) bool {
	nArgs := len(f.Args)
	if nArgs > 255 {
		return false
	}
	size := 0
	for name, value := range f.Args {
		n := argSize(name, value)
		if n < 0 {
			return false
		}
		size += n
		if size < 0 || uint32(size) > maxFrameSize {
			return false
		}
	}

	buf := make([]byte, headSize+size)
	buf[0] = f.Cmd
	buf[1] = uint8(nArgs)
	binary.BigEndian.PutUint16(buf[2:4], f.Flag)
	if f.call {
		buf[4] = 1
	}
	binary.BigEndian.PutUint32(buf[5:9], uint32(size))

	argHeads := buf[headSize : headSize+nArgs*5]
	argBody := buf[headSize+nArgs*5:]
	h, b := 0, 0
	for name, value := range f.Args {
		argHeads[h] = uint8(len(name))
		binary.BigEndian.PutUint32(argHeads[h+1:h+5], uint32(len(value)))
		h += 5
		b += copy(argBody[b:], name)
		b += copy(argBody[b:], value)
	}

	_, err := writer.Write(buf)
	return err == nil
}

func ReadFrame(reader io.Reader, maxSize uint32) (f *Frame, ok bool) {
	var head [headSize]byte
	if _, err := io.ReadFull(reader, head[:]); err != nil {
		return nil, false
	}
	f = &Frame{
		Cmd:  head[0],
		Flag: binary.BigEndian.Uint16(head[2:4]),
		call: head[4] != 0,
	}
	nArgs := int(head[1])
	size := binary.BigEndian.Uint32(head[5:9])
	if size > maxSize {
		return nil, false
	}
	if size == 0 {
		return f, true
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, false
	}

	argHeadsLen := uint32(nArgs) * 5
	if argHeadsLen > size {
		return nil, false
	}
	argHeads := body[:argHeadsLen]
	argBody := body[argHeadsLen:]

	f.Args = make(map[string]string, nArgs)
	h, b := 0, uint32(0)
	for i := 0; i < nArgs; i++ {
		nameSize := uint32(argHeads[h])
		valueSize := binary.BigEndian.Uint32(argHeads[h+1 : h+5])
		h += 5

		fore := b + nameSize
		if fore > uint32(len(argBody)) {
			return nil, false
		}
		name := string(argBody[b:fore])
		b = fore

		fore = b + valueSize
		if fore > uint32(len(argBody)) {
			return nil, false
		}
		value := string(argBody[b:fore])
		b = fore

		if name != "" {
			f.Args[name] = value
		}
	}
	if b != uint32(len(argBody)) {
		return nil, false
	}
	return f, true
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package script runs Lua scripts driving a MIM session.
//
// Scripts see a global "mim" table:
//
//	mim.connect()
//	mim.initialize("1")
//	mim.command("turnkey", "run")
//	mim.set("turnkey", "setpoint", 1200)
//	print(mim.get("turnkey", "setpoint"))
//	mim.tune("turnkey", "manual_offset", -10)  -- "queued" or "rejected"
//	mim.switch("feedback", "LO_Reset", true, true)
//	mim.waveform("feedback", {{sign=0, x=10, y=20, slope=3}})
//	mim.waveform_file("feedback", "ramp.csv")  -- "sign;x;y;slope" rows
//	mim.memory("iir", 0x10, {1, "0xffffffff00000000"})
//	mim.sleep(100)                            -- milliseconds
//	print(mim.state())
package script // import "github.com/go-lpc/mimctl/script"

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/go-lpc/mimctl/mcc"
	"github.com/go-lpc/mimctl/mim"
	lua "github.com/yuin/gopher-lua"
)

// Engine is a Lua interpreter bound to a command executor.
type Engine struct {
	mu   sync.Mutex
	doer mim.Doer
	w    io.Writer
	vm   *lua.LState
}

// New returns a Lua engine sending its requests to doer.
// Script output is written to w.
func New(doer mim.Doer, w io.Writer) *Engine {
	eng := &Engine{
		doer: doer,
		w:    w,
		vm:   lua.NewState(),
	}

	eng.vm.SetGlobal("print", eng.vm.NewFunction(eng.print))
	tbl := eng.vm.SetFuncs(eng.vm.NewTable(), map[string]lua.LGFunction{
		"connect":          eng.call("connect", noArgs),
		"disconnect":       eng.call("disconnect", noArgs),
		"state":            eng.call("state", noArgs),
		"instruments":      eng.call("instruments", noArgs),
		"initialize":       eng.call("initialize", configArgs),
		"config":           eng.call("config", configArgs),
		"upload_config":    eng.call("upload-config", noArgs),
		"upload_parameter": eng.call("upload-parameter", noArgs),
		"sync":             eng.call("sync", noArgs),
		"command":          eng.call("command", commandArgs),
		"set":              eng.call("set", paramArgs),
		"get":              eng.call("get", paramArgs),
		"tune":             eng.call("tune", paramArgs),
		"switch":           eng.call("switch", switchArgs),
		"waveform":         eng.call("waveform", waveformArgs),
		"waveform_file":    eng.call("waveform", waveformFileArgs),
		"memory":           eng.call("memory", memoryArgs),
		"sleep":            eng.sleep,
	})
	eng.vm.SetGlobal("mim", tbl)

	return eng
}

// Close releases the interpreter.
func (eng *Engine) Close() error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	eng.vm.Close()
	return nil
}

// Exec runs a Lua chunk.
func (eng *Engine) Exec(ctx context.Context, src string) error {
	return eng.run(ctx, func(vm *lua.LState) error { return vm.DoString(src) })
}

// Run runs the Lua script fname.
func (eng *Engine) Run(ctx context.Context, fname string) error {
	return eng.run(ctx, func(vm *lua.LState) error { return vm.DoFile(fname) })
}

func (eng *Engine) run(ctx context.Context, f func(vm *lua.LState) error) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	eng.vm.SetContext(ctx)
	defer eng.vm.RemoveContext()

	err := f(eng.vm)
	if err != nil {
		return fmt.Errorf("script: %w", err)
	}
	return nil
}

func (eng *Engine) print(vm *lua.LState) int {
	n := vm.GetTop()
	for i := 1; i <= n; i++ {
		if i > 1 {
			fmt.Fprint(eng.w, "\t")
		}
		fmt.Fprint(eng.w, vm.ToStringMeta(vm.Get(i)).String())
	}
	fmt.Fprintln(eng.w)
	return 0
}

func (eng *Engine) sleep(vm *lua.LState) int {
	d := time.Duration(vm.CheckInt64(1)) * time.Millisecond
	tmr := time.NewTimer(d)
	defer tmr.Stop()

	select {
	case <-vm.Context().Done():
		vm.RaiseError("sleep interrupted: %v", vm.Context().Err())
	case <-tmr.C:
	}
	return 0
}

// call returns a Lua function sending the named request with the
// arguments built by args from the Lua stack.
func (eng *Engine) call(name string, args func(vm *lua.LState) interface{}) lua.LGFunction {
	return func(vm *lua.LState) int {
		req, err := mim.NewRequest(name, args(vm))
		if err != nil {
			vm.RaiseError("%v", err)
			return 0
		}

		rep := eng.doer.Do(vm.Context(), req)
		if err := rep.Err(); err != nil {
			vm.RaiseError("%s: %v", name, err)
			return 0
		}
		if rep.Value == nil {
			return 0
		}

		v, err := normalize(rep.Value)
		if err != nil {
			vm.RaiseError("%s: %v", name, err)
			return 0
		}
		vm.Push(toLua(vm, v))
		return 1
	}
}

func noArgs(vm *lua.LState) interface{} { return nil }

func configArgs(vm *lua.LState) interface{} {
	return mim.ConfigArgs{ID: vm.CheckString(1)}
}

func commandArgs(vm *lua.LState) interface{} {
	return mim.CommandArgs{Purpose: vm.CheckString(1), Op: vm.CheckString(2)}
}

func paramArgs(vm *lua.LState) interface{} {
	return mim.ParamArgs{
		Purpose: vm.CheckString(1),
		Name:    vm.CheckString(2),
		Value:   optInt64(vm, 3),
	}
}

func switchArgs(vm *lua.LState) interface{} {
	return mim.SwitchArgs{
		Purpose:  vm.CheckString(1),
		Name:     vm.CheckString(2),
		On:       vm.CheckBool(3),
		Inverted: vm.OptBool(4, false),
	}
}

func waveformArgs(vm *lua.LState) interface{} {
	args := mim.WaveformArgs{Purpose: vm.CheckString(1)}
	tbl := vm.CheckTable(2)
	for i := 1; i <= tbl.Len(); i++ {
		row, ok := tbl.RawGetInt(i).(*lua.LTable)
		if !ok {
			vm.ArgError(2, fmt.Sprintf("segment %d is not a table", i))
		}
		args.Segments = append(args.Segments, mcc.Segment{
			Sign:  field(vm, row, "sign", 1),
			X:     field(vm, row, "x", 2),
			Y:     field(vm, row, "y", 3),
			Slope: field(vm, row, "slope", 4),
		})
	}
	return args
}

func waveformFileArgs(vm *lua.LState) interface{} {
	purpose := vm.CheckString(1)
	segs, err := mcc.LoadWaveform(vm.CheckString(2))
	if err != nil {
		vm.RaiseError("%v", err)
	}
	return mim.WaveformArgs{Purpose: purpose, Segments: segs}
}

func memoryArgs(vm *lua.LState) interface{} {
	args := mim.MemoryArgs{
		Purpose: vm.CheckString(1),
		Base:    int(integer(vm, 2, vm.CheckNumber(2), 0, math.MaxInt32)),
	}
	tbl := vm.CheckTable(3)
	for i := 1; i <= tbl.Len(); i++ {
		args.Words = append(args.Words, word(vm, tbl.RawGetInt(i)))
	}
	return args
}

// word returns a 64-bit memory word given as an exact Lua number or as
// a string ("0x..." for hexadecimal).
func word(vm *lua.LState, v lua.LValue) uint64 {
	switch v := v.(type) {
	case lua.LString:
		w, err := strconv.ParseUint(string(v), 0, 64)
		if err != nil {
			vm.ArgError(3, fmt.Sprintf("invalid memory word %q", string(v)))
		}
		return w
	case lua.LNumber:
		return uint64(integer(vm, 3, v, 0, 1<<53))
	}
	vm.ArgError(3, fmt.Sprintf("invalid memory word: %v", v))
	return 0
}

// field returns the named or positional unsigned field of a segment.
func field(vm *lua.LState, row *lua.LTable, name string, pos int) uint32 {
	v := row.RawGetString(name)
	if v == lua.LNil {
		v = row.RawGetInt(pos)
	}
	n, ok := v.(lua.LNumber)
	if !ok {
		vm.ArgError(2, fmt.Sprintf("invalid segment field %q: %v", name, v))
	}
	return uint32(integer(vm, 2, n, 0, math.MaxUint32))
}

// optInt64 returns the optional integer argument at n, 0 when absent.
func optInt64(vm *lua.LState, n int) int64 {
	v := vm.Get(n)
	if v == lua.LNil {
		return 0
	}
	x, ok := v.(lua.LNumber)
	if !ok {
		vm.ArgError(n, fmt.Sprintf("number expected, got %s", v.Type()))
	}
	return integer(vm, n, x, math.MinInt64, math.MaxInt64)
}

// integer converts x to an integer, raising an argument error when x has
// a fractional part or lies outside [lo, hi].
func integer(vm *lua.LState, n int, x lua.LNumber, lo, hi float64) int64 {
	f := float64(x)
	if f != math.Trunc(f) || f < lo || f > hi || f >= 1<<63 {
		vm.ArgError(n, fmt.Sprintf("invalid integer %v (range=[%v, %v])", x, lo, hi))
	}
	return int64(f)
}

// normalize maps a reply value onto its JSON representation so local and
// remote executors yield the same Lua values.
func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	err = json.Unmarshal(raw, &out)
	return out, err
}

func toLua(vm *lua.LState, v interface{}) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []interface{}:
		tbl := vm.NewTable()
		for _, e := range v {
			tbl.Append(toLua(vm, e))
		}
		return tbl
	case map[string]interface{}:
		tbl := vm.NewTable()
		for k, e := range v {
			tbl.RawSetString(k, toLua(vm, e))
		}
		return tbl
	}
	return lua.LString(fmt.Sprint(v))
}

package track

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Load reads a track asset from disk. Files ending in .lua are evaluated
// as Lua scripts, anything else is parsed as JSON.
func Load(path string) (*Data, error) {
	if strings.EqualFold(filepath.Ext(path), ".lua") {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read track: %w", err)
		}
		return LoadLua(string(src))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open track: %w", err)
	}
	defer f.Close()
	return LoadJSON(f)
}

// LoadJSON parses the JSON track format (coordinates, topography, penaltyChart).
func LoadJSON(r io.Reader) (*Data, error) {
	var d Data
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode track: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// ---------- lua ----------

// LoadLua evaluates a Lua track script. The script either returns the
// track table or assigns it to the global `track`. Lua arrays cannot hold
// nil, so a missing coordinate is written as `false`.
func LoadLua(src string) (*Data, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			return nil, fmt.Errorf("open lua %s: %w", lib.name, err)
		}
	}

	if err := L.DoString(src); err != nil {
		return nil, fmt.Errorf("run track script: %w", err)
	}
	root, ok := L.Get(-1).(*lua.LTable)
	if !ok {
		root, ok = L.GetGlobal("track").(*lua.LTable)
	}
	if !ok {
		return nil, fmt.Errorf("track script: no track table returned")
	}

	d, err := fromLua(root)
	if err != nil {
		return nil, fmt.Errorf("track script: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func fromLua(root *lua.LTable) (*Data, error) {
	var d Data

	topo, err := luaArray(root.RawGetString("topography"), "topography")
	if err != nil {
		return nil, err
	}
	for i := 1; i <= topo.Len(); i++ {
		row, err := luaArray(topo.RawGetInt(i), fmt.Sprintf("topography[%d]", i))
		if err != nil {
			return nil, err
		}
		out := make([]SpaceType, row.Len())
		for j := 1; j <= row.Len(); j++ {
			n, err := luaInt(row.RawGetInt(j), fmt.Sprintf("topography[%d][%d]", i, j))
			if err != nil {
				return nil, err
			}
			out[j-1] = SpaceType(n)
		}
		d.Topography = append(d.Topography, out)
	}

	if v := root.RawGetString("coordinates"); v != lua.LNil {
		coords, err := luaArray(v, "coordinates")
		if err != nil {
			return nil, err
		}
		for i := 1; i <= coords.Len(); i++ {
			row, err := luaArray(coords.RawGetInt(i), fmt.Sprintf("coordinates[%d]", i))
			if err != nil {
				return nil, err
			}
			out := make([]*[2]float64, row.Len())
			for j := 1; j <= row.Len(); j++ {
				cell := row.RawGetInt(j)
				if cell == lua.LNil || cell == lua.LFalse {
					continue
				}
				pt, ok := cell.(*lua.LTable)
				if !ok {
					return nil, fmt.Errorf("coordinates[%d][%d]: want {x, y}", i, j)
				}
				x, xok := pt.RawGetInt(1).(lua.LNumber)
				y, yok := pt.RawGetInt(2).(lua.LNumber)
				if !xok || !yok {
					return nil, fmt.Errorf("coordinates[%d][%d]: want {x, y}", i, j)
				}
				out[j-1] = &[2]float64{float64(x), float64(y)}
			}
			d.Coordinates = append(d.Coordinates, out)
		}
	}

	if v := root.RawGetString("penaltyChart"); v != lua.LNil {
		chart, ok := v.(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("penaltyChart: want table")
		}
		d.PenaltyChart = PenaltyChart{}
		var ferr error
		chart.ForEach(func(k, lv lua.LValue) {
			if ferr != nil {
				return
			}
			level := luaKey(k)
			entries, ok := lv.(*lua.LTable)
			if !ok {
				ferr = fmt.Errorf("penaltyChart[%s]: want table", level)
				return
			}
			d.PenaltyChart[level] = map[string]Penalty{}
			entries.ForEach(func(rk, pv lua.LValue) {
				if ferr != nil {
					return
				}
				p, err := luaPenalty(pv)
				if err != nil {
					ferr = fmt.Errorf("penaltyChart[%s][%s]: %w", level, luaKey(rk), err)
					return
				}
				d.PenaltyChart[level][luaKey(rk)] = p
			})
		})
		if ferr != nil {
			return nil, ferr
		}
	}

	if d.StartingGrid, err = luaCoords(root.RawGetString("startingGrid"), "startingGrid"); err != nil {
		return nil, err
	}
	if d.PitStops, err = luaCoords(root.RawGetString("pitStops"), "pitStops"); err != nil {
		return nil, err
	}
	return &d, nil
}

func luaArray(v lua.LValue, name string) (*lua.LTable, error) {
	t, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%s: want array, got %s", name, v.Type())
	}
	return t, nil
}

func luaInt(v lua.LValue, name string) (int, error) {
	n, ok := v.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("%s: want number, got %s", name, v.Type())
	}
	return int(n), nil
}

// luaKey renders table keys the way the JSON chart spells them.
func luaKey(k lua.LValue) string {
	if n, ok := k.(lua.LNumber); ok {
		return strconv.Itoa(int(n))
	}
	return k.String()
}

func luaPenalty(v lua.LValue) (Penalty, error) {
	t, ok := v.(*lua.LTable)
	if !ok {
		return Penalty{}, fmt.Errorf("want table")
	}
	var p Penalty
	if n, ok := t.RawGetString("tyreWear").(lua.LNumber); ok {
		p.TyreWear = int(n)
	}
	if n, ok := t.RawGetString("brakeWear").(lua.LNumber); ok {
		p.BrakeWear = int(n)
	}
	p.SpinOff = lua.LVAsBool(t.RawGetString("spinOff"))
	p.SpinOffIfTyreWear4 = lua.LVAsBool(t.RawGetString("spinOffIfTyreWear4"))
	if s, ok := t.RawGetString("message").(lua.LString); ok {
		p.Message = string(s)
	}
	return p, nil
}

func luaCoords(v lua.LValue, name string) ([]Coord, error) {
	if v == lua.LNil {
		return nil, nil
	}
	arr, err := luaArray(v, name)
	if err != nil {
		return nil, err
	}
	out := make([]Coord, 0, arr.Len())
	for k := 1; k <= arr.Len(); k++ {
		c, ok := arr.RawGetInt(k).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: want {i=, j=}", name, k)
		}
		i, err := luaInt(c.RawGetString("i"), fmt.Sprintf("%s[%d].i", name, k))
		if err != nil {
			return nil, err
		}
		j, err := luaInt(c.RawGetString("j"), fmt.Sprintf("%s[%d].j", name, k))
		if err != nil {
			return nil, err
		}
		out = append(out, Coord{I: i, J: j})
	}
	return out, nil
}

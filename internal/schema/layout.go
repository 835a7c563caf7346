package schema

import "fmt"

// LayoutReport is a printable summary of a compiled schema.
type LayoutReport struct {
	Hash    string       `json:"hash,omitempty"`
	Locales []string     `json:"locales"`
	Types   []TypeLayout `json:"types"`
}

// TypeLayout summarises one type.
type TypeLayout struct {
	ID            uint16       `json:"id"`
	Name          string       `json:"name"`
	Edge          bool         `json:"edge,omitempty"`
	MainLen       int          `json:"mainLen"`
	Separate      int          `json:"separate"`
	BlockCapacity int          `json:"blockCapacity"`
	Props         []PropLayout `json:"props"`
}

// PropLayout summarises one property.
type PropLayout struct {
	Path    string `json:"path"`
	Tag     string `json:"tag"`
	ID      uint8  `json:"id"`
	Main    bool   `json:"main,omitempty"`
	Start   int    `json:"start,omitempty"`
	Size    int    `json:"size,omitempty"`
	Target  string `json:"target,omitempty"`
	Inverse string `json:"inverse,omitempty"`
	Edge    string `json:"edge,omitempty"`
}

// Layout reports types in id order and props in slot order: main props by
// offset, then separate props by id.
func (s *Schema) Layout() *LayoutReport {
	r := &LayoutReport{
		Hash:    fmt.Sprintf("%016x", s.Hash),
		Locales: s.Locales,
	}
	for _, t := range s.Types[1:] {
		tl := TypeLayout{
			ID:            t.ID,
			Name:          t.Name,
			Edge:          t.Edge,
			MainLen:       t.MainLen,
			Separate:      len(t.Separate),
			BlockCapacity: t.BlockCapacity,
			Props:         []PropLayout{},
		}
		for _, p := range t.Main {
			tl.Props = append(tl.Props, PropLayout{Path: p.Path, Tag: p.Tag.String(), Main: true, Start: p.Start, Size: p.Size})
		}
		for _, p := range t.Separate {
			pl := PropLayout{Path: p.Path, Tag: p.Tag.String(), ID: p.ID}
			if p.Ref != nil {
				pl.Target = s.Target(p).Name
				if inv := s.Inverse(p); inv != nil {
					pl.Inverse = inv.Path
				}
				if et := s.EdgeType(p); et != nil {
					pl.Edge = et.Name
				}
			}
			tl.Props = append(tl.Props, pl)
		}
		r.Types = append(r.Types, tl)
	}
	return r
}

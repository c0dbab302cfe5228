package watch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/btt-go/btt-sync/internal/coord"
	"github.com/btt-go/btt-sync/pkg/logging"
)

// scan 读取当前监听范围内的全部节点。
func (a *Adapter) scan(ctx context.Context) (map[string]coord.Node, error) {
	nodes := make(map[string]coord.Node)
	root := a.opts.Root

	read := func(p string) error {
		n, err := a.store.Read(ctx, p)
		if errors.Is(err, coord.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		nodes[p] = n
		return nil
	}

	switch a.opts.Strategy {
	case StrategyNode:
		if err := read(root); err != nil {
			return nil, err
		}

	case StrategyChildren:
		names, err := a.store.Children(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("list children of %s failed: %w", root, err)
		}
		for _, name := range names {
			if err := read(coord.Join(root, name)); err != nil {
				return nil, err
			}
		}

	case StrategySubtree:
		if root != "/" {
			if err := read(root); err != nil {
				return nil, err
			}
		}
		queue := []string{root}
		for len(queue) > 0 {
			p := queue[0]
			queue = queue[1:]
			names, err := a.store.Children(ctx, p)
			if err != nil {
				return nil, fmt.Errorf("list children of %s failed: %w", p, err)
			}
			for _, name := range names {
				child := coord.Join(p, name)
				if err := read(child); err != nil {
					return nil, err
				}
				queue = append(queue, child)
			}
		}
	}
	return nodes, nil
}

// hydrate 以 Initial 的 ADD 事件回放当前状态。
func (a *Adapter) hydrate(ctx context.Context) error {
	nodes, err := a.scan(ctx)
	if err != nil {
		return err
	}
	clear(a.versions)
	for _, p := range slices.Sorted(maps.Keys(nodes)) {
		n := nodes[p]
		a.versions[p] = n.Version
		a.emit(ctx, ChangeEvent{
			Path:    p,
			Payload: n.Data,
			Version: n.Version,
			Kind:    KindAdd,
			Initial: true,
		})
	}
	return nil
}

// resync 重新读取监听范围，把与已投递状态的差异补发出去。
func (a *Adapter) resync(ctx context.Context) error {
	nodes, err := a.scan(ctx)
	if err != nil {
		return err
	}

	var events []ChangeEvent
	for _, p := range slices.Sorted(maps.Keys(nodes)) {
		n := nodes[p]
		last, seen := a.versions[p]
		switch {
		case !seen:
			events = append(events, ChangeEvent{Path: p, Payload: n.Data, Version: n.Version, Kind: KindAdd})
		case n.Version != last:
			events = append(events, ChangeEvent{Path: p, Payload: n.Data, Version: n.Version, Kind: KindUpdate})
		}
	}
	for _, p := range slices.Sorted(maps.Keys(a.versions)) {
		if _, ok := nodes[p]; !ok {
			events = append(events, ChangeEvent{Path: p, Version: a.versions[p], Kind: KindDelete})
		}
	}

	if len(events) == 0 {
		return nil
	}
	logging.Warn(subsystem, "resync of %s found %d missed changes", a.opts.Root, len(events))
	for _, ev := range events {
		if ev.Kind == KindDelete {
			delete(a.versions, ev.Path)
		} else {
			a.versions[ev.Path] = ev.Version
		}
		a.emit(ctx, ev)
	}
	return nil
}

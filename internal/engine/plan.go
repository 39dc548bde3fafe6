package engine

import (
	"github.com/orbi-tal/glaze-autotiler/internal/config"
	"github.com/orbi-tal/glaze-autotiler/internal/ipc"
	"github.com/orbi-tal/glaze-autotiler/internal/layout"
	"github.com/orbi-tal/glaze-autotiler/internal/state"
	"github.com/orbi-tal/glaze-autotiler/internal/strategy"
	"github.com/orbi-tal/glaze-autotiler/internal/util"
)

// WorkspacePlan is what one recompute would do to a workspace.
type WorkspacePlan struct {
	Workspace string        `json:"workspace"`
	Strategy  string        `json:"strategy"`
	Fallback  string        `json:"fallback,omitempty"`
	Error     string        `json:"error,omitempty"`
	Windows   int           `json:"windows"`
	Skipped   int           `json:"skipped"`
	Commands  []ipc.Command `json:"commands,omitempty"`
}

// Preview computes the commands a fresh agent would send for world under
// cfg, without sending anything. Workspaces without a monitor are omitted.
func Preview(world *state.World, cfg *config.Config, reg *strategy.Registry, logger *util.Logger) []WorkspacePlan {
	if logger == nil {
		logger = util.NewLogger(util.LevelInfo)
	}
	store := state.NewStore(defaultsFor(cfg, reg, logger))
	store.Resync(world)
	snap := store.Snapshot()

	var plans []WorkspacePlan
	for _, id := range snap.WorkspaceIDs() {
		ws := snap.Workspaces[id]
		mon, ok := snap.MonitorForWorkspace(id)
		if !ok {
			continue
		}
		windows := snap.TiledWindows(id)
		area := layout.UsableArea(mon.Rect, mon.Reserved, ws.Gaps)
		name, _ := reg.Resolve(ws.Strategy)
		plan := WorkspacePlan{Workspace: id, Strategy: name, Windows: len(windows)}

		mapping, err := compute(reg, name, windows, area, ws.Gaps.Inner, cfg.TolerancePx)
		if err != nil {
			plan.Error = err.Error()
			fallback := pickFallback(reg, name, "", false)
			if fallback == "" {
				plans = append(plans, plan)
				continue
			}
			plan.Fallback = fallback
			if mapping, err = compute(reg, fallback, windows, area, ws.Gaps.Inner, cfg.TolerancePx); err != nil {
				plan.Error = err.Error()
				plans = append(plans, plan)
				continue
			}
		}
		for _, wid := range windows {
			target, ok := mapping[wid]
			if !ok {
				continue
			}
			cmd, needed := commandFor(wid, target, snap.Windows[wid].Geometry, cfg.TolerancePx)
			if !needed {
				plan.Skipped++
				continue
			}
			plan.Commands = append(plan.Commands, cmd)
		}
		plans = append(plans, plan)
	}
	return plans
}

package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/harvester/pkg/models"
)

type assembly struct {
	task      *models.URLTask
	ranges    []models.ByteRange
	fragments []models.Fragment
	got       []bool
	received  int
	err       error
}

func (a *assembly) part(r *models.ByteRange) int {
	for i, want := range a.ranges {
		if want == *r {
			return i
		}
	}
	return -1
}

// assembler tracks multi-part downloads by discovery index. Each one is
// completed exactly once, when every part has reported.
type assembler struct {
	mu      sync.Mutex
	pending map[int64]*assembly
	done    map[int64]struct{}
	dl      Downloader
	log     *logrus.Entry
}

func newAssembler(dl Downloader, log *logrus.Entry) *assembler {
	return &assembler{
		pending: make(map[int64]*assembly),
		done:    make(map[int64]struct{}),
		dl:      dl,
		log:     log,
	}
}

func (a *assembler) register(task *models.URLTask, ranges []models.ByteRange) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pending[task.Index]; ok {
		return false
	}
	if _, ok := a.done[task.Index]; ok {
		return false
	}
	whole := *task
	whole.Range = nil
	whole.Parts = 0
	a.pending[task.Index] = &assembly{
		task:      &whole,
		ranges:    ranges,
		fragments: make([]models.Fragment, len(ranges)),
		got:       make([]bool, len(ranges)),
	}
	return true
}

// collect files one part's outcome. The first report for each part wins;
// later reports have their spooled bytes discarded.
func (a *assembler) collect(part *models.URLTask, outcome models.FetchOutcome) {
	frag := models.Fragment{Data: outcome.Data, TempFile: outcome.TempFile}

	a.mu.Lock()
	asm := a.pending[part.Index]
	if asm == nil || part.Range == nil {
		a.mu.Unlock()
		frag.Discard()
		return
	}
	i := asm.part(part.Range)
	// A cancelled part is left unreported so a snapshot keeps the whole task.
	if i < 0 || asm.got[i] || errors.Is(outcome.Err, context.Canceled) {
		a.mu.Unlock()
		frag.Discard()
		return
	}
	asm.got[i] = true
	asm.received++
	if outcome.Status.IsFailure() || outcome.Err != nil {
		if asm.err == nil {
			asm.err = outcome.Err
		}
		frag.Discard()
	} else {
		asm.fragments[i] = frag
	}
	if asm.received < len(asm.ranges) {
		a.mu.Unlock()
		return
	}
	delete(a.pending, part.Index)
	a.done[part.Index] = struct{}{}
	a.mu.Unlock()

	if asm.err != nil {
		for _, f := range asm.fragments {
			f.Discard()
		}
		a.log.WithField("url", asm.task.URL).Warnf("Multi-part download failed: %v", asm.err)
		a.dl.Fail(asm.task, asm.err)
		return
	}
	a.dl.Complete(asm.task, asm.fragments)
}

// unfinished returns the whole tasks of assemblies still waiting for parts
// and drops the fragments they collected, since a resumed crawl fetches
// them again as whole downloads.
func (a *assembler) unfinished() []*models.URLTask {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*models.URLTask, 0, len(a.pending))
	for _, asm := range a.pending {
		for i, f := range asm.fragments {
			f.Discard()
			asm.fragments[i] = models.Fragment{}
		}
		out = append(out, asm.task)
	}
	return out
}

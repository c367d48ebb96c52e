package app

import (
	"context"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/waxline/waxline/pkg/metrics"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc("@every 30s", func() {
		go a.SchedSystemMonitorTask()
		go a.SchedProcessMonitorTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@every 1m", func() {
		go a.SchedInstanceGaugeTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", func() {
		a.SchedClearExpireData()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedSystemMonitorTask system monitor
func (a *Application) SchedSystemMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	_cpuuse, err := cpu.Percent(0, false)
	if err == nil && len(_cpuuse) > 0 {
		metrics.SetGauge(metrics.SystemCpuUsage, int64(_cpuuse[0]*100)) // Store as percentage * 100
	}

	_meminfo, err := mem.VirtualMemory()
	if err == nil {
		metrics.SetGauge(metrics.SystemMemUsage, int64(_meminfo.Used/1024/1024))
	}

	_diskinfo, err := disk.Usage(a.appConfig.System.Workdir)
	if err == nil {
		metrics.SetGauge(metrics.SystemDiskUsage, int64(_diskinfo.UsedPercent*100))
	}
}

// SchedProcessMonitorTask app process monitor
func (a *Application) SchedProcessMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}

	cpuuse, err := p.CPUPercent()
	if err == nil {
		metrics.SetGauge("waxline_cpuuse", int64(cpuuse*100))
	}

	meminfo, err := p.MemoryInfo()
	if err == nil {
		metrics.SetGauge("waxline_memuse", int64(meminfo.RSS/1024/1024))
	}
}

// SchedInstanceGaugeTask samples connection-state distribution.
func (a *Application) SchedInstanceGaugeTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	insts, err := a.instStore.ListActive(ctx)
	if err != nil {
		return
	}
	connected := 0
	for _, inst := range insts {
		if inst.IsConnected() {
			connected++
		}
	}
	metrics.SetGauge(metrics.InstancesConnected, int64(connected))
	metrics.SetGauge(metrics.InstancesDisconnected, int64(len(insts)-connected))
}

// SchedClearExpireData purges destroyed instances and stale media rows.
func (a *Application) SchedClearExpireData() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := a.instStore.PurgeDestroyed(ctx, 30); err != nil {
		zap.S().Errorf("purge destroyed instances failed: %v", err)
	}
	if err := a.mediaStore.PurgeOlderThan(ctx, 90); err != nil {
		zap.S().Errorf("purge media cache failed: %v", err)
	}
}

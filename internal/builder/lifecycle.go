package builder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/tic-hefr/ipd/internal/buildspec"
	"github.com/tic-hefr/ipd/internal/descriptor"
	"github.com/tic-hefr/ipd/internal/hypervisor"
	"github.com/tic-hefr/ipd/internal/logging"
	"github.com/tic-hefr/ipd/internal/observability"
	"github.com/tic-hefr/ipd/internal/sshexec"
	"github.com/tic-hefr/ipd/internal/store"
)

// The storage pool every build volume lives in. Created on demand from
// the workdir pool template.
const poolName = "ipd-images"

const phoneHomePoll = time.Second

// runBuild drives one build to a terminal status. Failures are logged
// here, not propagated: the caller only cares that the slot comes back.
func (b *Builder) runBuild(ctx context.Context, buildID int64, hostKey string) {
	ctx, span := observability.StartSpan(ctx, "builder.build",
		observability.AttrBuildID.Int64(buildID),
		observability.AttrHypervisor.String(hostKey),
	)
	defer span.End()

	b.metrics.BuildsInflight.Inc()
	defer b.metrics.BuildsInflight.Dec()

	start := time.Now()
	err := b.build(ctx, buildID, hostKey)
	elapsed := time.Since(start)
	b.metrics.BuildDuration.Observe(elapsed.Seconds())

	status := store.StatusDone
	if err != nil {
		status = store.StatusFailed
		observability.SetSpanError(span, err)
		logging.Op().Error("build failed", "build", buildID, "hypervisor", hostKey, "duration", elapsed, "error", err)
	} else {
		observability.SetSpanOK(span)
		logging.Op().Info("build finished", "build", buildID, "hypervisor", hostKey, "duration", elapsed)
	}
	b.metrics.BuildsTotal.WithLabelValues(status).Inc()

	if serr := b.store.SetBuildStatus(ctx, buildID, status); serr != nil {
		logging.Op().Error("build status update failed", "build", buildID, "error", serr)
	}
}

func (b *Builder) build(ctx context.Context, buildID int64, hostKey string) error {
	build, err := b.store.GetBuild(ctx, buildID)
	if err != nil {
		return err
	}
	if build == nil {
		return fmt.Errorf("build %d not found", buildID)
	}

	spec, err := buildspec.Parse([]byte(build.Buildspec))
	if err != nil {
		return err
	}

	logging.Op().Info("build started",
		"build", buildID,
		"hypervisor", hostKey,
		"project", build.ProjectKey,
		"commit", build.CommitID,
		"base", spec.BaseDomain,
	)

	if err := b.store.SetBuildStatus(ctx, buildID, store.StatusRunning); err != nil {
		return err
	}

	name := fmt.Sprintf("%s-%d", build.ProjectKey, buildID)
	vncPasswd := descriptor.GeneratePassword(32)

	domXML, volXML, err := b.workdir.Render(spec.BaseDomain, name, vncPasswd)
	if err != nil {
		return err
	}

	hv, ok := b.hypervisors[hostKey]
	if !ok {
		return fmt.Errorf("hypervisor %q not configured", hostKey)
	}
	conn, err := hv.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	inst, err := b.provision(ctx, conn, name, domXML, volXML)
	if err != nil {
		return err
	}

	if err := b.converge(ctx, conn, hostKey, inst, spec, vncPasswd); err != nil {
		b.teardown(conn, inst)
		return err
	}
	return nil
}

// instance tracks the resources a build created on its hypervisor, so
// teardown can release them on failure.
type instance struct {
	name string
	dom  libvirt.Domain
	pool libvirt.StoragePool
	vol  libvirt.StorageVol
	info *descriptor.DomainInfo
}

// provision creates volume and domain on the hypervisor and reads back
// the assigned uuid, MAC and VNC port.
func (b *Builder) provision(ctx context.Context, conn hypervisor.Conn, name, domXML, volXML string) (*instance, error) {
	pool, err := conn.StoragePoolLookupByName(poolName)
	if err != nil {
		if !hypervisor.IsRemote(err) {
			return nil, err
		}
		// Pool is missing on this host; create it from the template.
		poolXML, terr := b.workdir.PoolXML()
		if terr != nil {
			return nil, terr
		}
		pool, err = conn.StoragePoolCreateXML(poolXML)
		if err != nil {
			return nil, err
		}
	}

	// A stale volume from an earlier crashed build shadows the new one.
	if old, err := conn.StorageVolLookupByName(pool, name); err == nil {
		if err := conn.StorageVolDelete(old); err != nil {
			return nil, err
		}
	} else if !hypervisor.IsRemote(err) {
		return nil, err
	}

	vol, err := conn.StorageVolCreateXML(pool, volXML)
	if err != nil {
		return nil, err
	}

	inst := &instance{name: name, pool: pool, vol: vol}

	dom, err := conn.DomainCreateXML(domXML)
	if err != nil {
		b.teardown(conn, inst)
		return nil, err
	}
	inst.dom = dom

	desc, err := conn.DomainGetXMLDesc(dom)
	if err != nil {
		b.teardown(conn, inst)
		return nil, err
	}
	info, err := descriptor.ParseDomainInfo(desc)
	if err != nil {
		b.teardown(conn, inst)
		return nil, err
	}
	inst.info = info

	return inst, nil
}

// converge writes the phase-1 rendezvous record, waits for the guest to
// phone home and runs the buildspec commands over SSH.
func (b *Builder) converge(ctx context.Context, conn hypervisor.Conn, hostKey string, inst *instance, spec *buildspec.Spec, vncPasswd string) error {
	uuid := inst.info.UUID

	err := b.store.PutInstanceData(ctx, uuid, map[string]string{
		"hypervisor":  hostKey,
		"mac_address": inst.info.MACAddress,
		"vncport":     inst.info.VNCPort,
		"vncpasswd":   vncPasswd,
	})
	if err != nil {
		return err
	}

	bootStart := time.Now()
	if err := b.waitPhoneHome(ctx, uuid); err != nil {
		return err
	}
	b.metrics.PhoneHomeWait.Observe(time.Since(bootStart).Seconds())

	// Re-read the whole record: phase 2 lands in one HSET, so status
	// "running" guarantees ip_address and host keys are visible now.
	data, err := b.store.InstanceData(ctx, uuid)
	if err != nil {
		return err
	}

	ip := data["ip_address"]
	if ip == "" {
		return fmt.Errorf("instance %s phoned home without an address", uuid)
	}
	hostKeyMaterial := guestHostKey(data)
	if hostKeyMaterial == "" {
		return fmt.Errorf("instance %s phoned home without a host key", uuid)
	}
	pubKey, err := sshexec.ParseHostKey(hostKeyMaterial)
	if err != nil {
		return err
	}

	logging.Op().Info("instance ready",
		"instance", inst.name,
		"uuid", uuid,
		"ip", ip,
		"vnc_host", hostKey,
		"vnc_port", inst.info.VNCPort,
		"boot_duration", time.Since(bootStart),
	)

	ch, err := sshexec.Dial(ctx, ip, b.sshUser, b.signer, pubKey, b.sshTimeout)
	if err != nil {
		return err
	}
	defer ch.Close()

	for _, cmd := range spec.Commands() {
		out, err := ch.Exec(cmd)
		if err != nil {
			return fmt.Errorf("build step %q: %w", cmd, err)
		}
		logging.Op().Debug("build step done", "instance", inst.name, "cmd", cmd, "stdout_bytes", len(out))
	}

	return nil
}

// waitPhoneHome polls the rendezvous record until the metadata server has
// written status=running, bounded by the configured wait.
func (b *Builder) waitPhoneHome(ctx context.Context, uuid string) error {
	deadline := time.NewTimer(b.phoneHomeWait)
	defer deadline.Stop()
	tick := time.NewTicker(phoneHomePoll)
	defer tick.Stop()

	for {
		status, err := b.store.InstanceStatus(ctx, uuid)
		if err != nil {
			return err
		}
		if status == store.StatusRunning {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for instance %s: %w", uuid, ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("instance %s did not phone home within %s", uuid, b.phoneHomeWait)
		case <-tick.C:
		}
	}
}

// teardown releases everything a failed build left on the hypervisor and
// drops the rendezvous record. Best effort: a half-created instance must
// not hold the slot hostage.
func (b *Builder) teardown(conn hypervisor.Conn, inst *instance) {
	if inst.dom != (libvirt.Domain{}) {
		if err := conn.DomainDestroy(inst.dom); err != nil && !hypervisor.IsRemote(err) {
			logging.Op().Warn("teardown: domain destroy", "instance", inst.name, "error", err)
		}
		if err := conn.DomainUndefine(inst.dom); err != nil && !hypervisor.IsRemote(err) {
			logging.Op().Warn("teardown: domain undefine", "instance", inst.name, "error", err)
		}
	}
	if inst.vol != (libvirt.StorageVol{}) {
		if err := conn.StorageVolDelete(inst.vol); err != nil && !hypervisor.IsRemote(err) {
			logging.Op().Warn("teardown: volume delete", "instance", inst.name, "error", err)
		}
	}
	if inst.info != nil && inst.info.UUID != "" {
		if err := b.store.RemoveInstanceData(context.Background(), inst.info.UUID); err != nil {
			logging.Op().Warn("teardown: rendezvous record", "instance", inst.name, "error", err)
		}
	}
}

// guestHostKey picks the reported host key, preferring RSA for parity
// with the cloud-init phone_home field names.
func guestHostKey(data map[string]string) string {
	if k := data["pub_key_rsa"]; k != "" {
		return k
	}
	for field, v := range data {
		if strings.HasPrefix(field, "pub_key_") && v != "" {
			return v
		}
	}
	return ""
}

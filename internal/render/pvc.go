package render

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	fleetv1alpha1 "github.com/okonek/taskfleet/api/v1alpha1"
	"github.com/okonek/taskfleet/internal/config"
)

// WorkspacePVCName derives the workspace claim for a run. Implementation
// agents share one workspace per repository so iterations see each other's
// checkouts; every other class gets an isolated claim suffixed with its
// class. Names are truncated to the DNS limit preserving the class suffix.
func WorkspacePVCName(run *fleetv1alpha1.TaskRun) string {
	repo := repoSlug(run.Spec.RepositoryURL)
	class := agentClass(run)

	if class == fleetv1alpha1.AgentClassImplementation {
		return truncateDNS(fmt.Sprintf("workspace-%s", repo))
	}

	suffix := "-" + string(class)
	name := fmt.Sprintf("workspace-%s%s", repo, suffix)
	if len(name) <= 63 {
		return name
	}
	keep := 63 - len("workspace-") - len(suffix)
	if keep < 1 {
		keep = 1
	}
	if len(repo) > keep {
		repo = strings.TrimRight(repo[:keep], "-")
	}
	return fmt.Sprintf("workspace-%s%s", repo, suffix)
}

// WorkspacePVC renders the workspace claim for a run.
func WorkspacePVC(run *fleetv1alpha1.TaskRun, cfg *config.ControllerConfig) *corev1.PersistentVolumeClaim {
	size := cfg.Storage.WorkspaceSize
	if size == "" {
		size = "10Gi"
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      WorkspacePVCName(run),
			Namespace: run.Namespace,
			Labels: map[string]string{
				ManagedByLabel: ManagedByValue,
			},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(size),
				},
			},
		},
	}
	if cfg.Storage.StorageClassName != "" {
		pvc.Spec.StorageClassName = &cfg.Storage.StorageClassName
	}
	return pvc
}

// repoSlug reduces a repository URL to a DNS-safe short name: the final path
// segment, lowercased, with invalid runes collapsed to hyphens.
func repoSlug(repositoryURL string) string {
	s := strings.TrimSuffix(repositoryURL, ".git")
	s = strings.TrimRight(s, "/")
	if idx := strings.LastIndexByte(s, '/'); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.ToLower(s)

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "repo"
	}
	return slug
}

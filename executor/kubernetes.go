package executor

import (
	"context"
	"fmt"
	"log"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/edgevision/model-orchestrator/config"
)

// KubeExecutor runs each training job as a Kubernetes batch/v1 Job. The
// training container receives the job parameters via environment variables
// and reports back through the orchestrator's callback endpoints.
type KubeExecutor struct {
	clientset   kubernetes.Interface
	namespace   string
	image       string
	callbackURL string
}

// NewKubeExecutor creates a Kubernetes-backed training executor.
func NewKubeExecutor(clientset kubernetes.Interface, namespace, image, callbackURL string) *KubeExecutor {
	return &KubeExecutor{
		clientset:   clientset,
		namespace:   namespace,
		image:       image,
		callbackURL: callbackURL,
	}
}

func trainingJobName(jobID string) string {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return "training-" + short
}

// StartTraining creates the batch Job for the given training job. An
// AlreadyExists error is treated as success so redispatch is idempotent.
func (e *KubeExecutor) StartTraining(ctx context.Context, job *config.TrainingJob) error {
	k8sJob := e.buildJob(job)

	_, err := e.clientset.BatchV1().Jobs(e.namespace).Create(ctx, k8sJob, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			log.Printf("Training job %s already dispatched, skipping", job.ID)
			return nil
		}
		return fmt.Errorf("failed to create training job: %w", err)
	}

	log.Printf("Created training job %s/%s for job %s", e.namespace, k8sJob.Name, job.ID)
	return nil
}

// StopTraining deletes the batch Job and its pods. A missing Job is not an
// error: the run may have finished and been garbage-collected.
func (e *KubeExecutor) StopTraining(ctx context.Context, jobID string) error {
	propagation := metav1.DeletePropagationBackground
	err := e.clientset.BatchV1().Jobs(e.namespace).Delete(ctx, trainingJobName(jobID), metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete training job: %w", err)
	}

	log.Printf("Deleted training job for job %s", jobID)
	return nil
}

func (e *KubeExecutor) buildJob(job *config.TrainingJob) *batchv1.Job {
	backoffLimit := int32(0)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      trainingJobName(job.ID),
			Namespace: e.namespace,
			Labels: map[string]string{
				"app":       "model-orchestrator",
				"ai-module": job.AIModule,
				"job-id":    job.ID,
			},
		},
		Spec: batchv1.JobSpec{
			// Retries are the scheduler's concern, not the pod's.
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"app":    "model-orchestrator-training",
						"job-id": job.ID,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:  "trainer",
							Image: e.image,
							Env: []corev1.EnvVar{
								{Name: "JOB_ID", Value: job.ID},
								{Name: "AI_MODULE", Value: job.AIModule},
								{Name: "DATASET_ID", Value: job.DatasetID},
								{Name: "TOTAL_EPOCHS", Value: fmt.Sprintf("%d", job.TotalEpochs)},
								{Name: "HYPERPARAMETERS", Value: job.Hyperparameters},
								{Name: "CALLBACK_URL", Value: e.callbackURL},
							},
						},
					},
				},
			},
		},
	}
}
